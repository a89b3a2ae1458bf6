// Package coordinator runs one finite-state machine per admitted trade:
// Opening -> Open -> Closing -> Settling -> Closed, with Aborting reachable
// from Opening and Error reachable from any in-flight state.
//
// Uses parallel-leg-placement-with-rollback on entry and parallel-unwind
// on exit, tracked on a one-shot ActiveTrade and driven by an explicit
// state machine instead of a polling status field.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/filter"
	"arbitrage/internal/pricestream"
)

// State is one node of the per-trade finite-state machine.
type State string

const (
	StateOpening  State = "opening"
	StateOpen     State = "open"
	StateClosing  State = "closing"
	StateSettling State = "settling"
	StateClosed   State = "closed"
	StateAborting State = "aborting"
	StateError    State = "error"
)

// ValidTransitions is a map of legal source -> target states for the
// trade lifecycle above.
var ValidTransitions = map[State][]State{
	StateOpening:  {StateOpen, StateAborting, StateError},
	StateOpen:     {StateClosing, StateError},
	StateClosing:  {StateSettling, StateError},
	StateSettling: {StateClosed, StateError},
	StateAborting: {},
	StateClosed:   {},
	StateError:    {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// CloseReason names why a trade left the Open state.
type CloseReason string

const (
	ReasonNone                 CloseReason = ""
	ReasonTargetSpread         CloseReason = "target_spread"
	ReasonTimeout              CloseReason = "timeout"
	ReasonTrailingStop         CloseReason = "trailing_stop"
	ReasonLiquidationAsymmetry CloseReason = "liquidation_asymmetry"
	ReasonShutdown             CloseReason = "shutdown"
	ReasonError                CloseReason = "error"
)

// Config bounds one trade's lifecycle.
type Config struct {
	TickInterval    time.Duration // Open-state monitoring tick, default 5s
	CloseSpread     float64       // percent; TargetSpread fires at or below this
	MaxHoldTime     time.Duration
	TrailingEnabled bool
	TrailingStart   float64 // unrealized P&L (quote units) the trailing stop arms at
	MaxCloseRetries int
	QuoteMaxAge     time.Duration // a quote older than this is treated as stale, skip-not-exit
	Leverage        int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Second,
		CloseSpread:     0.1,
		MaxHoldTime:     30 * time.Minute,
		TrailingEnabled: true,
		TrailingStart:   0,
		MaxCloseRetries: 4,
		QuoteMaxAge:     10 * time.Second,
		Leverage:        5,
	}
}

// keepRatio is the trailing stop's step function of elapsed hold time:
// the current P&L must stay above this fraction of the max P&L seen so
// far, tightening as the trade ages. Three-step monotone function with
// the example breakpoints named in the admission policy (60s/180s).
func keepRatio(elapsed time.Duration) float64 {
	switch {
	case elapsed < 60*time.Second:
		return 0.90
	case elapsed < 180*time.Second:
		return 0.80
	default:
		return 0.70
	}
}

// ActiveTrade is one in-flight arbitrage position.
type ActiveTrade struct {
	mu sync.Mutex

	ID         string
	Symbol     string
	LongVenue  string
	ShortVenue string
	Quantity   float64

	EntryLong  float64
	EntryShort float64
	LongOrderID  string
	ShortOrderID string

	CloseLongOrderID  string
	CloseShortOrderID string

	State         State
	EnteredAt     time.Time
	MaxSpreadSeen float64

	CloseReason CloseReason
	ExitLong    float64
	ExitShort   float64
	RealizedPnl float64

	ClosedAt time.Time
}

func (t *ActiveTrade) setState(s State) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}

func (t *ActiveTrade) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// TradeOutcome is the terminal record handed off once a trade reaches
// Closed, Aborting, or Error.
type TradeOutcome struct {
	Symbol      string
	LongVenue   string
	ShortVenue  string
	Quantity    float64
	EntryLong   float64
	EntryShort  float64
	ExitLong    float64
	ExitShort   float64
	RealizedPnl float64
	CloseReason CloseReason
	FinalState  State
	OpenedAt    time.Time
	ClosedAt    time.Time
	Err         error
}

// Ledger tracks the coordinator's live book: active trade count, running
// daily P&L, and a per-venue daily P&L breakdown. It satisfies
// filter.TradeLedger so OpportunityFilter can consult it without
// importing this package.
type Ledger struct {
	mu          sync.Mutex
	active      map[string]*ActiveTrade
	dailyPnl    float64
	dailyDay    int // day-of-year, for the midnight reset
	venuePnl    map[string]float64
	venuePnlDay int
}

func NewLedger() *Ledger {
	return &Ledger{active: make(map[string]*ActiveTrade), venuePnl: make(map[string]float64)}
}

func (l *Ledger) ActiveTradeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Ledger) DailyPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dailyPnl
}

func (l *Ledger) add(t *ActiveTrade) {
	l.mu.Lock()
	l.active[t.ID] = t
	l.mu.Unlock()
	activeTrades.Set(float64(l.ActiveTradeCount()))
}

func (l *Ledger) remove(id string) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
	activeTrades.Set(float64(l.ActiveTradeCount()))
}

// VenuePnL returns the given venue's share of today's realized P&L.
func (l *Ledger) VenuePnL(venue string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.venuePnl[venue]
}

// recordPnl folds a closed trade's realized P&L into the global daily
// ledger and attributes half of it to each venue's daily P&L bucket.
func (l *Ledger) recordPnl(day int, longVenue, shortVenue string, pnl float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if day != l.dailyDay {
		l.dailyDay = day
		l.dailyPnl = 0
	}
	l.dailyPnl += pnl

	if day != l.venuePnlDay {
		l.venuePnlDay = day
		l.venuePnl = make(map[string]float64)
	}
	half := pnl / 2
	l.venuePnl[longVenue] += half
	l.venuePnl[shortVenue] += half
}

var _ filter.TradeLedger = (*Ledger)(nil)

// Coordinator owns exactly one FSM goroutine per ActiveTrade.
type Coordinator struct {
	cfg       Config
	exchanges map[string]exchange.Exchange
	prices    *pricestream.PriceStream
	ledger    *Ledger
	log       *zap.Logger

	nextID int64
	idMu   sync.Mutex
}

func New(cfg Config, exchanges map[string]exchange.Exchange, prices *pricestream.PriceStream, ledger *Ledger, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		exchanges: exchanges,
		prices:    prices,
		ledger:    ledger,
		log:       log,
	}
}

func (c *Coordinator) nextTradeID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextID++
	return fmt.Sprintf("trade-%d-%d", time.Now().UnixNano(), c.nextID)
}

// Execute runs one trade's full lifecycle to completion, blocking until
// it reaches a terminal state. Callers wanting concurrency launch this in
// its own goroutine — exactly one per ActiveTrade, per the concurrency
// guarantee this package implements.
func (c *Coordinator) Execute(ctx context.Context, req *filter.TradeRequest) TradeOutcome {
	trade := &ActiveTrade{
		ID:         c.nextTradeID(),
		Symbol:     req.Symbol,
		LongVenue:  req.LongVenue,
		ShortVenue: req.ShortVenue,
		Quantity:   req.Quantity,
		State:      StateOpening,
	}

	longExch, longOk := c.exchanges[req.LongVenue]
	shortExch, shortOk := c.exchanges[req.ShortVenue]
	if !longOk || !shortOk {
		return TradeOutcome{
			Symbol: req.Symbol, FinalState: StateError,
			Err: fmt.Errorf("unknown venue: long=%s(%v) short=%s(%v)", req.LongVenue, longOk, req.ShortVenue, shortOk),
		}
	}

	if !c.openPosition(ctx, trade, longExch, shortExch, req.LongPrice, req.ShortPrice) {
		return c.finish(trade, StateAborting, ReasonError, nil)
	}

	c.ledger.add(trade)
	defer c.ledger.remove(trade.ID)

	reason, err := c.monitorOpen(ctx, trade, longExch, shortExch)
	if err != nil {
		return c.finish(trade, StateError, ReasonError, err)
	}

	if reason == ReasonLiquidationAsymmetry {
		c.closeLiquidatedTrade(ctx, trade, longExch, shortExch)
		c.ledger.recordPnl(trade.ClosedAt.YearDay(), trade.LongVenue, trade.ShortVenue, trade.RealizedPnl)
		return c.finish(trade, StateClosed, reason, nil)
	}

	if !c.closePosition(ctx, trade, longExch, shortExch) {
		return c.finish(trade, StateError, reason, fmt.Errorf("unwind failed after %d attempts", c.cfg.MaxCloseRetries))
	}

	c.settle(trade, longExch.GetTradingFee, shortExch.GetTradingFee, ctx)
	c.ledger.recordPnl(trade.ClosedAt.YearDay(), trade.LongVenue, trade.ShortVenue, trade.RealizedPnl)

	return c.finish(trade, StateClosed, reason, nil)
}

func (c *Coordinator) finish(trade *ActiveTrade, final State, reason CloseReason, err error) TradeOutcome {
	trade.setState(final)
	if trade.ClosedAt.IsZero() {
		trade.ClosedAt = time.Now()
	}
	if c.log != nil {
		c.log.Info("trade finished",
			zap.String("id", trade.ID), zap.String("symbol", trade.Symbol),
			zap.String("state", string(final)), zap.String("reason", string(reason)),
			zap.Float64("pnl", trade.RealizedPnl), zap.Error(err))
	}
	outcome := TradeOutcome{
		Symbol: trade.Symbol, LongVenue: trade.LongVenue, ShortVenue: trade.ShortVenue,
		Quantity: trade.Quantity, EntryLong: trade.EntryLong, EntryShort: trade.EntryShort,
		ExitLong: trade.ExitLong, ExitShort: trade.ExitShort, RealizedPnl: trade.RealizedPnl,
		CloseReason: reason, FinalState: final, OpenedAt: trade.EnteredAt, ClosedAt: trade.ClosedAt, Err: err,
	}
	recordOutcome(outcome)
	return outcome
}
