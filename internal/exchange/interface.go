package exchange

import (
	"context"
	"time"
)

// Exchange — ExchangeClient: uniform adapter wrapping a single futures/swap
// venue. Every operation is safe for concurrent invocation and fails with
// a typed *VenueError (see errors.go); retry policy lives in the caller,
// not here — an adapter only classifies failures truthfully.
type Exchange interface {
	// Connect authenticates the adapter against the venue.
	Connect(apiKey, secret, passphrase string) error

	// GetName returns the venue identifier (bybit, bitget, okx, gate, htx, bingx).
	GetName() string

	// LoadMarkets populates the market metadata map. Called at startup
	// and on explicit refresh.
	LoadMarkets(ctx context.Context) error

	// Market returns cached metadata for a normalized symbol, or
	// ErrMarketNotFound if LoadMarkets has not seen it.
	Market(symbol string) (*Market, error)

	// ResolveSymbol attempts ordered native-symbol variants for a base
	// ticker, preferring perpetual USDT-settled markets, and returns the
	// first one LoadMarkets recognizes.
	ResolveSymbol(ctx context.Context, baseTicker string) (string, error)

	// FetchBalance normalizes the venue-specific balance shape into a
	// single USDT pool. Returns zero free balance — never a fabricated
	// value — when the venue's payload carries no recognizable USDT pool.
	FetchBalance(ctx context.Context) (Balance, error)

	// FetchTicker is a one-shot REST snapshot, used as PriceStream's
	// fallback when the WebSocket path has not produced a quote in time.
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// WatchTicker opens a single-symbol live stream. The returned channel
	// is closed when the stream is torn down (Close, or the caller
	// cancelling ctx); each yielded Ticker updates the quote map.
	// Reconnection with backoff is the adapter's responsibility; the
	// caller only observes ticks or channel closure, never a raw error
	// mid-stream.
	WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error)

	// GetOrderBook returns cached or freshly fetched order-book depth,
	// used by the liquidity pre-check ahead of admission.
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// SetLeverage, SetMarginMode and SetPositionMode are idempotent:
	// an "already set" / "not modified" venue response is success, not
	// an error.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
	SetPositionMode(ctx context.Context, hedged bool) error

	// CreateLimitOrder submits a limit order for one leg of a pair.
	CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchOrder polls a single order's current status/fill.
	FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// FetchPositions returns currently open positions for the given
	// symbols (or all symbols when empty), used to detect
	// LiquidationAsymmetry.
	FetchPositions(ctx context.Context, symbols []string) ([]*Position, error)

	// GetTradingFee returns the taker fee rate for a symbol, used in the
	// P&L commission term.
	GetTradingFee(ctx context.Context, symbol string) (float64, error)

	// Close tears down all connections (WebSocket + idle HTTP) held by
	// the adapter.
	Close() error
}

// Market is venue metadata for a single normalized symbol.
type Market struct {
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`       // normalized, e.g. BTCUSDT
	NativeSymbol string `json:"native_symbol"` // venue-specific wire form
	TickSize    float64 `json:"tick_size"`
	LotStep     float64 `json:"lot_step"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
	TakerFee    float64 `json:"taker_fee"`
	MaxLeverage int     `json:"max_leverage"`
}

// Balance is a venue's futures-wallet USDT pool.
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Ticker is a single price observation.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBook is top-of-book-and-deeper snapshot used for liquidity checks.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// PriceLevel is one level of order-book depth.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Order mirrors venue order state for a single leg.
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // buy, sell
	Type         string    `json:"type"` // limit
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Status       string    `json:"status"` // open, filled, partial, cancelled, rejected
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Position mirrors a venue's open futures position.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // long, short
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Liquidated    bool      `json:"liquidated"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Side constants for orders.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Side constants for positions.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order status constants.
const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)
