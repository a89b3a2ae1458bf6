// Package filter decides whether a parsed signal is worth acting on.
//
// Runs a fixed, short-circuiting chain of checks that stops at the first
// failure and reports why, built around a live signal event rather than
// a locally tracked pair state, against the checks the admission policy
// actually needs.
package filter

import (
	"context"
	"fmt"
	"time"

	"arbitrage/internal/exchange"
	"arbitrage/internal/pricestream"
	"arbitrage/internal/signal"
	"arbitrage/pkg/utils"
)

// Blacklist reports whether a symbol is barred from trading. Backed by
// internal/repository's blacklist table in production.
type Blacklist interface {
	IsBlacklisted(symbol string) bool
}

// TradeLedger exposes the coordinator's live book, queried read-only so
// the filter can enforce concurrency and daily-loss caps without importing
// the coordinator package itself.
type TradeLedger interface {
	ActiveTradeCount() int
	DailyPnL() float64
}

// VenueHealth reports whether a venue has been disabled by the balance
// reconciler (stale balances, repeated fetch failures).
type VenueHealth interface {
	IsDisabled(venue string) bool
}

// PriceSource is the one-shot quote acquisition the filter needs from
// PriceStream, named narrowly so swapping in a fake for tests doesn't
// require standing up a real PriceStream.
type PriceSource interface {
	GetQuoteBlocking(ctx context.Context, symbol, venue string, timeout time.Duration) (pricestream.Quote, bool)
}

// MarginSource reports free margin available on a venue, in quote-asset
// terms. Backed by the balance reconciler's cached snapshot.
type MarginSource interface {
	AvailableMargin(venue string) (float64, bool)
}

// MarketInfo is the subset of exchange.Market the filter needs to resolve
// minimum order quantity and lot step for a symbol on a venue.
type MarketInfo interface {
	Market(venue, symbol string) (minQty, lotStep float64, ok bool)
}

// Liquidity returns order-book depth for a venue/symbol, used for the
// optional pre-trade liquidity check. Backed by exchange.Exchange's
// GetOrderBook in production. Optional — a nil Liquidity skips the check.
type Liquidity interface {
	OrderBook(ctx context.Context, venue, symbol string, depth int) (*exchange.OrderBook, error)
}

// Config bounds the admission policy. Zero-value fields disable the
// corresponding check only where explicitly noted.
type Config struct {
	MaxConcurrentTrades    int
	MaxDailyLoss           float64 // positive number; tripped when DailyPnL() <= -MaxDailyLoss
	MinSpread              float64 // percent
	MaxAllowedSpread       float64 // percent; guards against corrupted/stale signals
	MaxSingleTradeNotional float64 // quote-asset units, checked per leg
	Leverage               float64
	QuoteFreshness         time.Duration
	QuoteTimeout           time.Duration

	// LiquidityCheckDepth is the number of order-book levels walked for
	// the optional liquidity check. Ignored if Liquidity is nil.
	LiquidityCheckDepth int
	// LiquidityBookMaxAge rejects admission if the cached order book on
	// either leg is older than this.
	LiquidityBookMaxAge time.Duration
	// MaxLiquiditySlippage is the largest VWAP-vs-quote slippage, in
	// percent, tolerated on either leg for the resolved quantity. Zero
	// disables the liquidity check even when a Liquidity source is set.
	MaxLiquiditySlippage float64
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentTrades:    5,
		MaxDailyLoss:           500,
		MinSpread:              0.5,
		MaxAllowedSpread:       15,
		MaxSingleTradeNotional: 1000,
		Leverage:               5,
		QuoteFreshness:         3 * time.Second,
		QuoteTimeout:           2 * time.Second,
		LiquidityCheckDepth:    5,
		LiquidityBookMaxAge:    5 * time.Second,
		MaxLiquiditySlippage:   1.0,
	}
}

// TradeRequest is what OpportunityFilter hands to the coordinator on
// admission.
type TradeRequest struct {
	Symbol        string
	LongVenue     string
	ShortVenue    string
	LongPrice     float64
	ShortPrice    float64
	Quantity      float64
	ReportedSpread float64
	LiveSpread    float64
}

// Rejection names the failed check and carries a human-readable reason.
type Rejection struct {
	Check  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Check, r.Reason)
}

func reject(check, reason string) *Rejection {
	return &Rejection{Check: check, Reason: reason}
}

// Filter implements the admission policy: blacklist, concurrency cap,
// daily-loss floor, venue health, reported-spread sanity bounds,
// live-quote freshness, recomputed-spread floor, quantity resolution, an
// optional order-book liquidity check, per-leg notional cap, and margin
// sufficiency. Every step short-circuits on first failure, in this fixed
// order.
type Filter struct {
	cfg       Config
	blk       Blacklist
	ledger    TradeLedger
	health    VenueHealth
	prices    PriceSource
	margin    MarginSource
	markets   MarketInfo
	liquidity Liquidity
}

func New(cfg Config, blk Blacklist, ledger TradeLedger, health VenueHealth, prices PriceSource, margin MarginSource, markets MarketInfo, liquidity Liquidity) *Filter {
	return &Filter{
		cfg:       cfg,
		blk:       blk,
		ledger:    ledger,
		health:    health,
		prices:    prices,
		margin:    margin,
		markets:   markets,
		liquidity: liquidity,
	}
}

// Evaluate runs the admission policy against a parsed signal and returns
// either a TradeRequest ready for the coordinator or a Rejection naming
// the first failed check.
func (f *Filter) Evaluate(ctx context.Context, event *signal.SignalEvent) (*TradeRequest, *Rejection) {
	// 1. Blacklist.
	if f.blk != nil && f.blk.IsBlacklisted(event.Symbol) {
		return nil, reject("blacklist", "symbol is blacklisted")
	}

	// 2. Concurrency cap.
	if f.ledger != nil && f.cfg.MaxConcurrentTrades > 0 && f.ledger.ActiveTradeCount() >= f.cfg.MaxConcurrentTrades {
		return nil, reject("concurrency", "max concurrent trades reached")
	}

	// 3. Daily-loss floor.
	if f.ledger != nil && f.cfg.MaxDailyLoss > 0 && f.ledger.DailyPnL() <= -f.cfg.MaxDailyLoss {
		return nil, reject("daily_loss", "daily loss limit reached")
	}

	venueA, venueB, err := venuesFromEvent(event)
	if err != nil {
		return nil, reject("parse", err.Error())
	}

	// 4. Venue health.
	if f.health != nil {
		if f.health.IsDisabled(venueA) {
			return nil, reject("venue_health", venueA+" disabled")
		}
		if f.health.IsDisabled(venueB) {
			return nil, reject("venue_health", venueB+" disabled")
		}
	}

	// 5. Reported spread within sanity bounds.
	if event.Spread < f.cfg.MinSpread {
		return nil, reject("reported_spread", "below minimum spread")
	}
	if f.cfg.MaxAllowedSpread > 0 && event.Spread > f.cfg.MaxAllowedSpread {
		return nil, reject("reported_spread", "exceeds maximum allowed spread, likely stale or corrupted")
	}

	// 6. Fresh live quotes on both venues.
	freshness := f.cfg.QuoteFreshness
	timeout := f.cfg.QuoteTimeout
	quoteA, ok := f.prices.GetQuoteBlocking(ctx, event.Symbol, venueA, timeout)
	if !ok || time.Since(quoteA.Timestamp) > freshness {
		return nil, reject("quote_freshness", "no fresh quote on "+venueA)
	}
	quoteB, ok := f.prices.GetQuoteBlocking(ctx, event.Symbol, venueB, timeout)
	if !ok || time.Since(quoteB.Timestamp) > freshness {
		return nil, reject("quote_freshness", "no fresh quote on "+venueB)
	}

	// Long/short assignment is derived from which of the two live quotes
	// is lower, not from the signal's reported prices: the market can
	// move between signal receipt and quote fetch, and a fixed
	// assignment from the stale reported prices can end up backwards
	// relative to the live market by the time we get here.
	var longVenue, shortVenue string
	var longQuote, shortQuote pricestream.Quote
	if quoteA.Price <= quoteB.Price {
		longVenue, longQuote = venueA, quoteA
		shortVenue, shortQuote = venueB, quoteB
	} else {
		longVenue, longQuote = venueB, quoteB
		shortVenue, shortQuote = venueA, quoteA
	}

	// 7. Recomputed spread from live quotes must still clear the floor.
	liveSpread := utils.CalculateSpread(shortQuote.Price, longQuote.Price)
	if liveSpread < f.cfg.MinSpread {
		return nil, reject("live_spread", "recomputed spread below minimum")
	}

	// 8. Quantity resolution.
	minQty, err := f.resolveMinQty(longVenue, shortVenue, event.Symbol)
	if err != nil {
		return nil, reject("quantity", err.Error())
	}

	// 9. Liquidity depth (optional): reject if the order book can't be
	// trusted, or walking it for the resolved quantity would slip the
	// fill price beyond MaxLiquiditySlippage off the live quote.
	if f.liquidity != nil && f.cfg.MaxLiquiditySlippage > 0 {
		if rej := f.checkLiquidity(ctx, longVenue, shortVenue, event.Symbol, minQty, longQuote.Price, shortQuote.Price); rej != nil {
			return nil, rej
		}
	}

	// 10. Per-leg notional cap.
	notionalLong := minQty * longQuote.Price
	notionalShort := minQty * shortQuote.Price
	if f.cfg.MaxSingleTradeNotional > 0 {
		if notionalLong > f.cfg.MaxSingleTradeNotional {
			return nil, reject("notional", longVenue+" leg exceeds max single trade notional")
		}
		if notionalShort > f.cfg.MaxSingleTradeNotional {
			return nil, reject("notional", shortVenue+" leg exceeds max single trade notional")
		}
	}

	// 11. Margin sufficiency on both venues.
	if f.margin != nil && f.cfg.Leverage > 0 {
		availLong, ok := f.margin.AvailableMargin(longVenue)
		if !ok || availLong < notionalLong/f.cfg.Leverage {
			return nil, reject("margin", "insufficient margin on "+longVenue)
		}
		availShort, ok := f.margin.AvailableMargin(shortVenue)
		if !ok || availShort < notionalShort/f.cfg.Leverage {
			return nil, reject("margin", "insufficient margin on "+shortVenue)
		}
	}

	return &TradeRequest{
		Symbol:         event.Symbol,
		LongVenue:      longVenue,
		ShortVenue:     shortVenue,
		LongPrice:      longQuote.Price,
		ShortPrice:     shortQuote.Price,
		Quantity:       minQty,
		ReportedSpread: event.Spread,
		LiveSpread:     liveSpread,
	}, nil
}

// checkLiquidity walks the long venue's asks and the short venue's bids
// for the resolved quantity and rejects if either book is stale or the
// VWAP fill would slip beyond MaxLiquiditySlippage off the live quote.
func (f *Filter) checkLiquidity(ctx context.Context, longVenue, shortVenue, symbol string, qty, longPrice, shortPrice float64) *Rejection {
	depth := f.cfg.LiquidityCheckDepth
	if depth <= 0 {
		depth = 5
	}
	maxAge := f.cfg.LiquidityBookMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}

	longBook, err := f.liquidity.OrderBook(ctx, longVenue, symbol, depth)
	if err != nil || longBook == nil || time.Since(longBook.Timestamp) > maxAge {
		return reject("liquidity", "no fresh order book on "+longVenue)
	}
	shortBook, err := f.liquidity.OrderBook(ctx, shortVenue, symbol, depth)
	if err != nil || shortBook == nil || time.Since(shortBook.Timestamp) > maxAge {
		return reject("liquidity", "no fresh order book on "+shortVenue)
	}

	longVWAP, longFillable := vwapFill(longBook.Asks, qty)
	if !longFillable {
		return reject("liquidity", longVenue+" ask depth insufficient for resolved quantity")
	}
	shortVWAP, shortFillable := vwapFill(shortBook.Bids, qty)
	if !shortFillable {
		return reject("liquidity", shortVenue+" bid depth insufficient for resolved quantity")
	}

	longSlippage := (longVWAP - longPrice) / longPrice * 100
	shortSlippage := (shortPrice - shortVWAP) / shortPrice * 100
	if longSlippage > f.cfg.MaxLiquiditySlippage {
		return reject("liquidity", longVenue+" VWAP slippage exceeds max liquidity slippage")
	}
	if shortSlippage > f.cfg.MaxLiquiditySlippage {
		return reject("liquidity", shortVenue+" VWAP slippage exceeds max liquidity slippage")
	}
	return nil
}

// vwapFill walks order-book levels (best price first) accumulating
// volume until qty is filled or the book runs out, returning the
// volume-weighted average fill price and whether qty was fully fillable.
func vwapFill(levels []exchange.PriceLevel, qty float64) (avgPrice float64, fillable bool) {
	var cost, filled float64
	for _, lvl := range levels {
		if filled >= qty {
			break
		}
		take := lvl.Volume
		if remaining := qty - filled; take > remaining {
			take = remaining
		}
		cost += take * lvl.Price
		filled += take
	}
	if filled <= 0 {
		return 0, false
	}
	return cost / filled, filled >= qty*0.999
}

// resolveMinQty picks the minimum tradeable quantity that is executable
// on both legs: the larger of the two venues' minimums, rounded up to
// whichever lot step is coarser so the result is a valid multiple on
// both venues.
func (f *Filter) resolveMinQty(longVenue, shortVenue, symbol string) (float64, error) {
	minA, stepA, ok := f.markets.Market(longVenue, symbol)
	if !ok {
		return 0, fmt.Errorf("no market data for %s on %s", symbol, longVenue)
	}
	minB, stepB, ok := f.markets.Market(shortVenue, symbol)
	if !ok {
		return 0, fmt.Errorf("no market data for %s on %s", symbol, shortVenue)
	}

	minQty := minA
	if minB > minQty {
		minQty = minB
	}
	step := stepA
	if stepB > step {
		step = stepB
	}
	return utils.CeilToLotStep(minQty, step), nil
}

// venuesFromEvent extracts the two venue names out of a SignalEvent's
// price map, erroring if the event doesn't carry exactly two. It does
// not decide long/short — that assignment is derived later from live
// quotes, not from these (possibly stale) reported prices.
func venuesFromEvent(event *signal.SignalEvent) (venueA, venueB string, err error) {
	if len(event.Prices) != 2 {
		return "", "", fmt.Errorf("signal does not carry exactly two venue prices")
	}
	var venues []string
	for v := range event.Prices {
		venues = append(venues, v)
	}
	return venues[0], venues[1], nil
}
