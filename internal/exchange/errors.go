package exchange

import "errors"

// ErrorKind classifies a venue failure per the five error kinds in the
// core's error-handling design: adapters recover nothing, they classify
// truthfully and let the caller (coordinator, supervisor) decide policy.
type ErrorKind string

const (
	// KindTransient — network error, timeout, rate limiting. The caller
	// retries with bounded exponential backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanent — authentication, authorization, malformed request.
	// The caller disables the venue; never retried silently.
	KindPermanent ErrorKind = "permanent"
	// KindMarketState — insufficient funds, invalid symbol, leverage
	// rejected. Surfaced to the caller as a trade-level rejection.
	KindMarketState ErrorKind = "market_state"
	// KindInvariant — an internal precondition failed. Logged at
	// critical severity by the caller.
	KindInvariant ErrorKind = "invariant"
)

// VenueError is the single error type every adapter returns for a failed
// operation. It wraps Cause for errors.Is/errors.As composition and
// implements retry.RetryableError so pkg/retry can decide without the
// caller pattern-matching error strings.
type VenueError struct {
	Venue   string
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *VenueError) Error() string {
	if e.Venue == "" {
		return string(e.Kind) + ": " + e.Message
	}
	return e.Venue + ": " + e.Message
}

func (e *VenueError) Unwrap() error { return e.Cause }

// Retryable implements retry.RetryableError.
func (e *VenueError) Retryable() bool { return e.Kind == KindTransient }

// Temporary implements the net.Error-style Temporary() convention some
// callers probe for.
func (e *VenueError) Temporary() bool { return e.Kind == KindTransient }

func newTransient(venue, msg string, cause error) *VenueError {
	return &VenueError{Venue: venue, Kind: KindTransient, Message: msg, Cause: cause}
}

func newPermanent(venue, msg string, cause error) *VenueError {
	return &VenueError{Venue: venue, Kind: KindPermanent, Message: msg, Cause: cause}
}

func newMarketState(venue, msg string, cause error) *VenueError {
	return &VenueError{Venue: venue, Kind: KindMarketState, Message: msg, Cause: cause}
}

// ErrMarketNotFound is returned by Market when LoadMarkets has not seen
// the requested symbol.
var ErrMarketNotFound = errors.New("market not found")

// ErrSymbolUnresolved is returned by ResolveSymbol when no ordered
// variant matches a known market.
var ErrSymbolUnresolved = errors.New("symbol could not be resolved to a native market")

// IsKind reports whether err (or something it wraps) is a *VenueError of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}
