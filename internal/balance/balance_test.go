package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"arbitrage/internal/exchange"
)

// MockExchange is a minimal fake satisfying exchange.Exchange for this
// package's tests, following the Mock* convention used across this
// repo's tests (see internal/service/mocks_test.go). Only FetchBalance
// is exercised.
type MockExchange struct {
	mu      sync.Mutex
	balance exchange.Balance
	err     error
	calls   int
}

func (m *MockExchange) Connect(apiKey, secret, passphrase string) error { return nil }
func (m *MockExchange) GetName() string                                { return "mock" }
func (m *MockExchange) LoadMarkets(ctx context.Context) error          { return nil }
func (m *MockExchange) Market(symbol string) (*exchange.Market, error) { return nil, nil }
func (m *MockExchange) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	return baseTicker, nil
}
func (m *MockExchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return exchange.Balance{}, m.err
	}
	return m.balance, nil
}
func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return nil, nil
}
func (m *MockExchange) WatchTicker(ctx context.Context, symbol string) (<-chan *exchange.Ticker, error) {
	ch := make(chan *exchange.Ticker)
	close(ch)
	return ch, nil
}
func (m *MockExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	return nil, nil
}
func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *MockExchange) SetMarginMode(ctx context.Context, symbol, mode string) error       { return nil }
func (m *MockExchange) SetPositionMode(ctx context.Context, hedged bool) error             { return nil }
func (m *MockExchange) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*exchange.Order, error) {
	return nil, nil
}
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (m *MockExchange) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	return nil, nil
}
func (m *MockExchange) FetchPositions(ctx context.Context, symbols []string) ([]*exchange.Position, error) {
	return nil, nil
}
func (m *MockExchange) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (m *MockExchange) Close() error { return nil }

func (m *MockExchange) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MockExchange) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testConfig() Config {
	return Config{
		Interval:               20 * time.Millisecond,
		FetchTimeout:           time.Second,
		MaxConsecutiveFailures: 2,
		CooldownPeriod:         50 * time.Millisecond,
	}
}

func TestRefreshOne_PopulatesMarginOnSuccess(t *testing.T) {
	exch := &MockExchange{balance: exchange.Balance{Free: 1000, Total: 1200}}
	r := New(testConfig(), map[string]exchange.Exchange{"bybit": exch}, nil)

	r.refreshOne(context.Background(), "bybit", exch)

	margin, ok := r.AvailableMargin("bybit")
	if !ok {
		t.Fatal("expected AvailableMargin ok after successful fetch")
	}
	if margin != 1000 {
		t.Errorf("margin = %v, want 1000", margin)
	}
	if r.IsDisabled("bybit") {
		t.Error("venue should not be disabled after a success")
	}
}

func TestRefreshOne_DisablesAfterConsecutiveFailures(t *testing.T) {
	exch := &MockExchange{err: &exchange.VenueError{Venue: "okx", Kind: exchange.KindTransient, Message: "timeout"}}
	r := New(testConfig(), map[string]exchange.Exchange{"okx": exch}, nil)

	for i := 0; i < 2; i++ {
		r.refreshOne(context.Background(), "okx", exch)
	}

	if !r.IsDisabled("okx") {
		t.Fatal("expected venue disabled after MaxConsecutiveFailures failures")
	}
	if _, ok := r.AvailableMargin("okx"); ok {
		t.Error("expected AvailableMargin not-ok for a disabled venue")
	}
}

func TestRefreshOne_ReEnablesAfterSuccessFollowingFailures(t *testing.T) {
	exch := &MockExchange{err: &exchange.VenueError{Venue: "gate", Kind: exchange.KindTransient, Message: "timeout"}}
	r := New(testConfig(), map[string]exchange.Exchange{"gate": exch}, nil)

	r.refreshOne(context.Background(), "gate", exch)
	r.refreshOne(context.Background(), "gate", exch)
	if !r.IsDisabled("gate") {
		t.Fatal("expected disabled after two failures")
	}

	exch.setErr(nil)
	exch.balance = exchange.Balance{Free: 500}
	r.refreshOne(context.Background(), "gate", exch)

	if r.IsDisabled("gate") {
		t.Error("expected venue re-enabled after a subsequent success")
	}
	margin, ok := r.AvailableMargin("gate")
	if !ok || margin != 500 {
		t.Errorf("margin = (%v, %v), want (500, true)", margin, ok)
	}
}

func TestRefreshAll_SkipsDisabledVenueDuringCooldown(t *testing.T) {
	exch := &MockExchange{err: &exchange.VenueError{Venue: "htx", Kind: exchange.KindTransient, Message: "down"}}
	cfg := testConfig()
	cfg.CooldownPeriod = time.Hour
	r := New(cfg, map[string]exchange.Exchange{"htx": exch}, nil)

	r.refreshAll(context.Background())
	r.refreshAll(context.Background())
	calls := exch.callCount()

	r.refreshAll(context.Background())
	if exch.callCount() != calls {
		t.Errorf("expected no further fetch attempts while disabled within cooldown, calls went from %d to %d", calls, exch.callCount())
	}
}

func TestAvailableMargin_UnknownVenueNotOk(t *testing.T) {
	r := New(testConfig(), map[string]exchange.Exchange{}, nil)
	if _, ok := r.AvailableMargin("nosuch"); ok {
		t.Error("expected not-ok for an unknown venue")
	}
	if r.IsDisabled("nosuch") {
		t.Error("expected unknown venue to report not-disabled")
	}
}

func TestSnapshot_ReturnsAllKnownVenues(t *testing.T) {
	a := &MockExchange{balance: exchange.Balance{Free: 100}}
	b := &MockExchange{balance: exchange.Balance{Free: 200}}
	r := New(testConfig(), map[string]exchange.Exchange{"a": a, "b": b}, nil)
	r.refreshAll(context.Background())

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 snapshot entries, got %d", len(snap))
	}
}
