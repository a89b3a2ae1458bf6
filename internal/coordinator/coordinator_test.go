package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"arbitrage/internal/exchange"
	"arbitrage/internal/filter"
	"arbitrage/internal/pricestream"
)

// MockExchange is a hand-rolled fake implementing exchange.Exchange,
// following the Mock* naming convention used across this repo's tests
// (see internal/service/mocks_test.go).
type MockExchange struct {
	mu       sync.Mutex
	name     string
	price    float64
	orders   map[string]*exchange.Order
	orderSeq int
	fee      float64

	createErr  error
	position   *exchange.Position
	failLegSide string // when non-empty, CreateLimitOrder fails for this side
}

func NewMockExchange(name string, price, fee float64) *MockExchange {
	return &MockExchange{name: name, price: price, orders: map[string]*exchange.Order{}, fee: fee}
}

func (m *MockExchange) Connect(apiKey, secret, passphrase string) error { return nil }
func (m *MockExchange) GetName() string                                { return m.name }
func (m *MockExchange) LoadMarkets(ctx context.Context) error          { return nil }
func (m *MockExchange) Market(symbol string) (*exchange.Market, error) {
	return &exchange.Market{Venue: m.name, Symbol: symbol, LotStep: 0.001, MinQty: 0.01}, nil
}
func (m *MockExchange) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	return baseTicker + "USDT", nil
}
func (m *MockExchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{Free: 10000, Total: 10000}, nil
}
func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &exchange.Ticker{Symbol: symbol, LastPrice: m.price, Timestamp: time.Now()}, nil
}
func (m *MockExchange) WatchTicker(ctx context.Context, symbol string) (<-chan *exchange.Ticker, error) {
	ch := make(chan *exchange.Ticker)
	close(ch)
	return ch, nil
}
func (m *MockExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{Symbol: symbol}, nil
}
func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *MockExchange) SetMarginMode(ctx context.Context, symbol, mode string) error       { return nil }
func (m *MockExchange) SetPositionMode(ctx context.Context, hedged bool) error             { return nil }

func (m *MockExchange) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLegSide == side {
		return nil, &exchange.VenueError{Venue: m.name, Kind: exchange.KindMarketState, Message: "forced failure"}
	}
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.orderSeq++
	id := fmt.Sprintf("ord-%s-%d", m.name, m.orderSeq)
	order := &exchange.Order{
		ID: id, Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, FilledQty: quantity, AvgFillPrice: price,
		Status: exchange.OrderStatusFilled, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.orders[id] = order
	return order, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
	return nil
}

func (m *MockExchange) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		return order, nil
	}
	return nil, &exchange.VenueError{Venue: m.name, Kind: exchange.KindMarketState, Message: "order not found"}
}

func (m *MockExchange) FetchPositions(ctx context.Context, symbols []string) ([]*exchange.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.position == nil {
		return nil, nil
	}
	return []*exchange.Position{m.position}, nil
}

func (m *MockExchange) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return m.fee, nil
}

func (m *MockExchange) Close() error { return nil }

func (m *MockExchange) setPrice(p float64) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func newTestCoordinator(t *testing.T, longExch, shortExch *MockExchange) (*Coordinator, *pricestream.PriceStream) {
	t.Helper()
	ps := pricestream.New(map[string]exchange.Exchange{
		longExch.name:  longExch,
		shortExch.name: shortExch,
	}, pricestream.DefaultConfig(), nil)
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.QuoteMaxAge = time.Minute
	ledger := NewLedger()
	c := New(cfg, map[string]exchange.Exchange{longExch.name: longExch, shortExch.name: shortExch}, ps, ledger, nil)
	return c, ps
}

func TestExecute_HappyPathReachesClosed(t *testing.T) {
	long := NewMockExchange("bybit", 100.0, 0.0004)
	short := NewMockExchange("okx", 102.0, 0.0004)
	c, ps := newTestCoordinator(t, long, short)
	ps.Subscribe("BTC")
	defer ps.Unsubscribe("BTC")
	// Seed quotes directly via the exchanges' FetchTicker path used by
	// GetQuoteBlocking; for the monitor loop's non-blocking GetQuote we
	// need a quote already stored, so prime it with a blocking fetch.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ps.GetQuoteBlocking(ctx, "BTC", "bybit", time.Second)
	ps.GetQuoteBlocking(ctx, "BTC", "okx", time.Second)

	c.cfg.CloseSpread = 100 // force TargetSpread to fire on the very first tick

	req := &filter.TradeRequest{
		Symbol: "BTC", LongVenue: "bybit", ShortVenue: "okx",
		LongPrice: 100, ShortPrice: 102, Quantity: 1,
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer runCancel()
	outcome := c.Execute(runCtx, req)

	if outcome.FinalState != StateClosed {
		t.Fatalf("final state = %v, want Closed (err=%v)", outcome.FinalState, outcome.Err)
	}
	if outcome.CloseReason != ReasonTargetSpread {
		t.Errorf("close reason = %v, want TargetSpread", outcome.CloseReason)
	}
}

func TestExecute_AbortsWhenOneLegFails(t *testing.T) {
	long := NewMockExchange("bybit", 100.0, 0.0004)
	short := NewMockExchange("okx", 102.0, 0.0004)
	short.failLegSide = exchange.SideSell
	c, _ := newTestCoordinator(t, long, short)

	req := &filter.TradeRequest{
		Symbol: "BTC", LongVenue: "bybit", ShortVenue: "okx",
		LongPrice: 100, ShortPrice: 102, Quantity: 1,
	}

	outcome := c.Execute(context.Background(), req)
	if outcome.FinalState != StateAborting {
		t.Fatalf("final state = %v, want Aborting", outcome.FinalState)
	}
}

func TestCanTransition_RespectsStateMachine(t *testing.T) {
	if !CanTransition(StateOpening, StateOpen) {
		t.Error("Opening -> Open should be legal")
	}
	if CanTransition(StateClosed, StateOpen) {
		t.Error("Closed -> Open should not be legal")
	}
	if !CanTransition(StateClosing, StateSettling) {
		t.Error("Closing -> Settling should be legal")
	}
}

func TestKeepRatio_TightensOverTime(t *testing.T) {
	if r := keepRatio(10 * time.Second); r != 0.90 {
		t.Errorf("keepRatio(10s) = %v, want 0.90", r)
	}
	if r := keepRatio(90 * time.Second); r != 0.80 {
		t.Errorf("keepRatio(90s) = %v, want 0.80", r)
	}
	if r := keepRatio(300 * time.Second); r != 0.70 {
		t.Errorf("keepRatio(300s) = %v, want 0.70", r)
	}
}

func TestLedger_TracksActiveCountAndDailyPnl(t *testing.T) {
	l := NewLedger()
	if l.ActiveTradeCount() != 0 {
		t.Fatalf("expected 0 active trades initially")
	}
	trade := &ActiveTrade{ID: "t1"}
	l.add(trade)
	if l.ActiveTradeCount() != 1 {
		t.Fatalf("expected 1 active trade after add")
	}
	l.remove("t1")
	if l.ActiveTradeCount() != 0 {
		t.Fatalf("expected 0 active trades after remove")
	}

	day := time.Now().YearDay()
	l.recordPnl(day, "bybit", "okx", 10)
	l.recordPnl(day, "bybit", "okx", -3)
	if l.DailyPnL() != 7 {
		t.Fatalf("daily pnl = %v, want 7", l.DailyPnL())
	}
	if got := l.VenuePnL("bybit"); got != 3.5 {
		t.Fatalf("bybit venue pnl = %v, want 3.5", got)
	}
	if got := l.VenuePnL("okx"); got != 3.5 {
		t.Fatalf("okx venue pnl = %v, want 3.5", got)
	}
}
