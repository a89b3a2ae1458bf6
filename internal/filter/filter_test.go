package filter

import (
	"context"
	"testing"
	"time"

	"arbitrage/internal/exchange"
	"arbitrage/internal/pricestream"
	"arbitrage/internal/signal"
)

type fakeBlacklist struct{ symbols map[string]bool }

func (f *fakeBlacklist) IsBlacklisted(symbol string) bool { return f.symbols[symbol] }

type fakeLedger struct {
	count int
	pnl   float64
}

func (f *fakeLedger) ActiveTradeCount() int { return f.count }
func (f *fakeLedger) DailyPnL() float64     { return f.pnl }

type fakeHealth struct{ disabled map[string]bool }

func (f *fakeHealth) IsDisabled(venue string) bool { return f.disabled[venue] }

type fakePrices struct {
	quotes map[string]pricestream.Quote
}

func (f *fakePrices) GetQuoteBlocking(ctx context.Context, symbol, venue string, timeout time.Duration) (pricestream.Quote, bool) {
	q, ok := f.quotes[venue]
	return q, ok
}

type fakeMargin struct{ available map[string]float64 }

func (f *fakeMargin) AvailableMargin(venue string) (float64, bool) {
	v, ok := f.available[venue]
	return v, ok
}

type fakeMarkets struct {
	minQty  float64
	lotStep float64
}

func (f *fakeMarkets) Market(venue, symbol string) (float64, float64, bool) {
	return f.minQty, f.lotStep, true
}

type fakeLiquidity struct {
	books map[string]*exchange.OrderBook
	err   error
}

func (f *fakeLiquidity) OrderBook(ctx context.Context, venue, symbol string, depth int) (*exchange.OrderBook, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.books[venue], nil
}

func deepBook(price float64, volume float64) *exchange.OrderBook {
	return &exchange.OrderBook{
		Bids:      []exchange.PriceLevel{{Price: price, Volume: volume}},
		Asks:      []exchange.PriceLevel{{Price: price, Volume: volume}},
		Timestamp: time.Now(),
	}
}

func baseEvent() *signal.SignalEvent {
	return &signal.SignalEvent{
		Symbol: "BTC",
		Spread: 2.0,
		Prices: map[string]float64{"bybit": 100.0, "okx": 102.0},
	}
}

func freshQuotes() map[string]pricestream.Quote {
	now := time.Now()
	return map[string]pricestream.Quote{
		"bybit": {Symbol: "BTC", Venue: "bybit", Price: 100.0, Timestamp: now},
		"okx":   {Symbol: "BTC", Venue: "okx", Price: 102.0, Timestamp: now},
	}
}

func newTestFilter() (*Filter, *fakeLedger, *fakeHealth, *fakeBlacklist) {
	cfg := DefaultConfig()
	cfg.MinSpread = 0.5
	cfg.MaxAllowedSpread = 10
	cfg.MaxSingleTradeNotional = 10000
	cfg.Leverage = 5

	blk := &fakeBlacklist{symbols: map[string]bool{}}
	ledger := &fakeLedger{}
	health := &fakeHealth{disabled: map[string]bool{}}
	prices := &fakePrices{quotes: freshQuotes()}
	margin := &fakeMargin{available: map[string]float64{"bybit": 1000, "okx": 1000}}
	markets := &fakeMarkets{minQty: 0.01, lotStep: 0.001}

	return New(cfg, blk, ledger, health, prices, margin, markets, nil), ledger, health, blk
}

func TestEvaluate_AdmitsWellFormedRequest(t *testing.T) {
	f, _, _, _ := newTestFilter()
	req, rej := f.Evaluate(context.Background(), baseEvent())
	if rej != nil {
		t.Fatalf("expected admission, got rejection: %v", rej)
	}
	if req.Symbol != "BTC" {
		t.Errorf("symbol = %q, want BTC", req.Symbol)
	}
	if req.LongVenue != "bybit" || req.ShortVenue != "okx" {
		t.Errorf("long/short = %s/%s, want bybit/okx", req.LongVenue, req.ShortVenue)
	}
	if req.Quantity <= 0 {
		t.Errorf("quantity = %v, want positive", req.Quantity)
	}
}

func TestEvaluate_RejectsBlacklistedSymbol(t *testing.T) {
	f, _, _, blk := newTestFilter()
	blk.symbols["BTC"] = true
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "blacklist" {
		t.Fatalf("expected blacklist rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsAtConcurrencyCap(t *testing.T) {
	f, ledger, _, _ := newTestFilter()
	ledger.count = 999
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "concurrency" {
		t.Fatalf("expected concurrency rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsPastDailyLossFloor(t *testing.T) {
	f, ledger, _, _ := newTestFilter()
	ledger.pnl = -1_000_000
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "daily_loss" {
		t.Fatalf("expected daily_loss rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsDisabledVenue(t *testing.T) {
	f, _, health, _ := newTestFilter()
	health.disabled["okx"] = true
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "venue_health" {
		t.Fatalf("expected venue_health rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsSpreadBelowMinimum(t *testing.T) {
	f, _, _, _ := newTestFilter()
	event := baseEvent()
	event.Spread = 0.1
	_, rej := f.Evaluate(context.Background(), event)
	if rej == nil || rej.Check != "reported_spread" {
		t.Fatalf("expected reported_spread rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsSpreadAboveSanityCeiling(t *testing.T) {
	f, _, _, _ := newTestFilter()
	event := baseEvent()
	event.Spread = 50
	_, rej := f.Evaluate(context.Background(), event)
	if rej == nil || rej.Check != "reported_spread" {
		t.Fatalf("expected reported_spread rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsStaleQuote(t *testing.T) {
	f, _, _, _ := newTestFilter()
	prices := f.prices.(*fakePrices)
	prices.quotes["bybit"] = pricestream.Quote{
		Symbol: "BTC", Venue: "bybit", Price: 100.0,
		Timestamp: time.Now().Add(-time.Hour),
	}
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "quote_freshness" {
		t.Fatalf("expected quote_freshness rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsWhenMarginInsufficient(t *testing.T) {
	f, _, _, _ := newTestFilter()
	margin := f.margin.(*fakeMargin)
	margin.available["okx"] = 0
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "margin" {
		t.Fatalf("expected margin rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsWhenNotionalExceedsCap(t *testing.T) {
	f, _, _, _ := newTestFilter()
	f.cfg.MaxSingleTradeNotional = 0.01
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "notional" {
		t.Fatalf("expected notional rejection, got %v", rej)
	}
}

func TestEvaluate_AdmitsWhenLiquidityDeep(t *testing.T) {
	f, _, _, _ := newTestFilter()
	f.liquidity = &fakeLiquidity{books: map[string]*exchange.OrderBook{
		"bybit": deepBook(100.0, 1000),
		"okx":   deepBook(102.0, 1000),
	}}
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej != nil {
		t.Fatalf("expected admission, got rejection: %v", rej)
	}
}

func TestEvaluate_RejectsOnStaleOrderBook(t *testing.T) {
	f, _, _, _ := newTestFilter()
	staleBook := deepBook(100.0, 1000)
	staleBook.Timestamp = time.Now().Add(-time.Hour)
	f.liquidity = &fakeLiquidity{books: map[string]*exchange.OrderBook{
		"bybit": staleBook,
		"okx":   deepBook(102.0, 1000),
	}}
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "liquidity" {
		t.Fatalf("expected liquidity rejection, got %v", rej)
	}
}

func TestEvaluate_RejectsOnThinOrderBook(t *testing.T) {
	f, _, _, _ := newTestFilter()
	f.liquidity = &fakeLiquidity{books: map[string]*exchange.OrderBook{
		"bybit": deepBook(100.0, 0.0001),
		"okx":   deepBook(102.0, 1000),
	}}
	_, rej := f.Evaluate(context.Background(), baseEvent())
	if rej == nil || rej.Check != "liquidity" {
		t.Fatalf("expected liquidity rejection, got %v", rej)
	}
}
