package utils

// validator.go - валидация входных данных: символов, конфигов пар,
// учётных данных бирж.

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidSpread     = errors.New("invalid spread")
	ErrInvalidVolume     = errors.New("invalid volume")
	ErrInvalidNOrders    = errors.New("invalid number of orders")
	ErrInvalidStopLoss   = errors.New("invalid stop loss")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrInvalidPercentage = errors.New("invalid percentage")
	ErrInvalidEmail      = errors.New("invalid email")
	ErrInvalidAPIKey     = errors.New("invalid api key")
	ErrInvalidAPISecret  = errors.New("invalid api secret")
	ErrInvalidPassphrase = errors.New("invalid api passphrase")
	ErrInvalidExchange   = errors.New("unsupported exchange")
)

// SupportedExchanges lists every venue this system has an adapter for.
var SupportedExchanges = []string{"bybit", "bitget", "okx", "gate", "htx", "bingx"}

// GetSupportedExchanges returns a copy of SupportedExchanges — callers
// mutating the result must not affect the package-level list.
func GetSupportedExchanges() []string {
	out := make([]string, len(SupportedExchanges))
	copy(out, SupportedExchanges)
	return out
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/-]{0,18}[A-Za-z0-9]$`)

// ValidateSymbol checks a trading symbol's shape: 2-32 chars,
// alphanumeric plus separators, no leading/trailing separator.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// IsValidSymbol is the boolean form of ValidateSymbol.
func IsValidSymbol(symbol string) bool { return ValidateSymbol(symbol) == nil }

// NormalizeSymbol upper-cases a symbol and strips common separators
// (-, _, /), so "btc-usdt" and "BTC/USDT" both become "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// quoteCurrencies lists known quote assets, longest first so "USDT"
// matches before a shorter false-positive suffix could.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// ExtractBaseCurrency returns the base asset of a normalized symbol,
// e.g. "BTC" from "BTCUSDT" or "BTC-USDT".
func ExtractBaseCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return norm[:len(norm)-len(q)]
		}
	}
	return norm
}

// ExtractQuoteCurrency returns the quote asset of a normalized symbol,
// e.g. "USDT" from "BTCUSDT".
func ExtractQuoteCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return q
		}
	}
	return ""
}

// ValidateSpread requires a spread strictly between 0 and 100 percent.
func ValidateSpread(spread float64) error {
	if spread <= 0 || spread > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidSpread, spread)
	}
	return nil
}

// ValidateVolume requires a strictly positive, sane-magnitude volume.
func ValidateVolume(volume float64) error {
	if volume <= 0 || volume >= 1e9 {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, volume)
	}
	return nil
}

// ValidateNOrders requires an order count in [1, 100].
func ValidateNOrders(n int) error {
	if n < 1 || n > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidNOrders, n)
	}
	return nil
}

// ValidateStopLoss requires a stop-loss percent in (0, 100].
func ValidateStopLoss(sl float64) error {
	if sl <= 0 || sl > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidStopLoss, sl)
	}
	return nil
}

// ValidateLeverage requires a leverage multiplier in [1, 100].
func ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidLeverage, leverage)
	}
	return nil
}

// ValidatePercentage requires a value in [0, 100].
func ValidatePercentage(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidPercentage, pct)
	}
	return nil
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// ValidateEmail checks a basic RFC5322-ish shape, not full compliance.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

// IsValidEmail is the boolean form of ValidateEmail.
func IsValidEmail(email string) bool { return ValidateEmail(email) == nil }

var apiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)

// ValidateAPIKey requires at least 16 chars of alphanumeric/-/_, the
// shape every supported venue's API key follows.
func ValidateAPIKey(key string) error {
	if !apiKeyPattern.MatchString(key) {
		return fmt.Errorf("%w", ErrInvalidAPIKey)
	}
	return nil
}

// IsValidAPIKey is the boolean form of ValidateAPIKey.
func IsValidAPIKey(key string) bool { return ValidateAPIKey(key) == nil }

// ValidateAPISecret requires at least 16 characters; unlike the API key,
// secrets may contain arbitrary punctuation.
func ValidateAPISecret(secret string) error {
	if len(secret) < 16 {
		return fmt.Errorf("%w", ErrInvalidAPISecret)
	}
	return nil
}

// ValidateAPIPassphrase is optional (okx requires one, most venues
// don't), so an empty passphrase is valid; only an excessive length
// is rejected.
func ValidateAPIPassphrase(passphrase string) error {
	if len(passphrase) > 64 {
		return fmt.Errorf("%w", ErrInvalidPassphrase)
	}
	return nil
}

// ValidateExchange requires venue to be one of SupportedExchanges,
// case-insensitively.
func ValidateExchange(venue string) error {
	norm := NormalizeExchange(venue)
	for _, s := range SupportedExchanges {
		if norm == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidExchange, venue)
}

// IsValidExchange is the boolean form of ValidateExchange.
func IsValidExchange(venue string) bool { return ValidateExchange(venue) == nil }

// NormalizeExchange lower-cases and trims a venue name for comparison.
func NormalizeExchange(venue string) string {
	return strings.ToLower(strings.TrimSpace(venue))
}

// PairConfigValidation mirrors the fields of a trading-pair config that
// need cross-field validation before a pair can be armed.
type PairConfigValidation struct {
	Symbol      string
	EntrySpread float64
	ExitSpread  float64
	Volume      float64
	NOrders     int
	StopLoss    float64
	ExchangeA   string
	ExchangeB   string
}

// ValidatePairConfig runs every field-level validator plus the
// cross-field invariants: the two venues must differ, and the entry
// spread must exceed the exit spread (otherwise the pair could never
// profitably close).
func ValidatePairConfig(cfg PairConfigValidation) error {
	if err := ValidateSymbol(cfg.Symbol); err != nil {
		return err
	}
	if err := ValidateSpread(cfg.EntrySpread); err != nil {
		return err
	}
	if err := ValidateSpread(cfg.ExitSpread); err != nil {
		return err
	}
	if err := ValidateVolume(cfg.Volume); err != nil {
		return err
	}
	if err := ValidateNOrders(cfg.NOrders); err != nil {
		return err
	}
	if cfg.StopLoss != 0 {
		if err := ValidateStopLoss(cfg.StopLoss); err != nil {
			return err
		}
	}
	if cfg.ExchangeA != "" {
		if err := ValidateExchange(cfg.ExchangeA); err != nil {
			return err
		}
	}
	if cfg.ExchangeB != "" {
		if err := ValidateExchange(cfg.ExchangeB); err != nil {
			return err
		}
	}
	if cfg.ExchangeA != "" && cfg.ExchangeB != "" && NormalizeExchange(cfg.ExchangeA) == NormalizeExchange(cfg.ExchangeB) {
		return fmt.Errorf("%w: exchange_a and exchange_b must differ", ErrInvalidExchange)
	}
	if cfg.EntrySpread <= cfg.ExitSpread {
		return fmt.Errorf("%w: entry spread must exceed exit spread", ErrInvalidSpread)
	}
	return nil
}

// ValidationError is one field-scoped validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors accumulates ValidationError values across a multi-
// field check, so a caller can report every problem at once instead of
// failing fast on the first.
type ValidationErrors []ValidationError

// Add appends a field/message pair.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// AddError appends err's message under field, unless err is nil.
func (e *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	*e = append(*e, ValidationError{Field: field, Message: err.Error()})
}

// HasErrors reports whether any error was accumulated.
func (e ValidationErrors) HasErrors() bool { return len(e) > 0 }

// Error joins every accumulated error into one message.
func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
