// Package pricestream maintains the freshest known price for every
// (symbol, venue) pair under active subscription, fed by each venue's
// WatchTicker stream with REST fallback and per-venue circuit breaking.
package pricestream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
)

const (
	fnvOffset32 = uint32(2166136261)
	fnvPrime32  = uint32(16777619)
)

func fnvHash(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// Quote is the freshest known price for a (symbol, venue) pair.
type Quote struct {
	Symbol    string
	Venue     string
	Price     float64
	Timestamp time.Time
	Source    string // "stream" or "rest"
}

// Age reports how stale the quote is relative to now.
func (q Quote) Age() time.Duration {
	return time.Since(q.Timestamp)
}

type quoteKey struct {
	Symbol string
	Venue  string
}

type quoteShard struct {
	mu     sync.RWMutex
	quotes map[quoteKey]*Quote
}

// Config tunes the watch loop, freshness window, and circuit breaker.
type Config struct {
	NumShards               int
	Freshness               time.Duration // how long a cached quote counts as fresh
	PollInterval            time.Duration // GetQuoteBlocking poll tick
	MaxConsecutiveFailures  int
	CooldownPeriod          time.Duration
	InitialRetryDelay       time.Duration
	MaxRetryDelay           time.Duration
}

func DefaultConfig() Config {
	return Config{
		NumShards:              16,
		Freshness:              3 * time.Second,
		PollInterval:           100 * time.Millisecond,
		MaxConsecutiveFailures: 5,
		CooldownPeriod:         30 * time.Second,
		InitialRetryDelay:      time.Second,
		MaxRetryDelay:          8 * time.Second,
	}
}

type venueCircuit struct {
	mu                  sync.Mutex
	consecutiveFailures int
	disabled            bool
	disabledAt          time.Time
}

type symbolSub struct {
	cancel map[string]context.CancelFunc // venue -> cancel
}

// PriceStream fans a set of subscribed symbols out across every connected
// venue's WatchTicker stream, caching the freshest quote per
// (symbol, venue) in a sharded, lock-light store.
type PriceStream struct {
	cfg    Config
	log    *zap.Logger
	venues map[string]exchange.Exchange

	shards    []*quoteShard
	numShards uint32

	subsMu sync.Mutex
	subs   map[string]*symbolSub

	circuitMu sync.Mutex
	circuits  map[string]*venueCircuit
}

func New(venues map[string]exchange.Exchange, cfg Config, log *zap.Logger) *PriceStream {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 16
	}
	ps := &PriceStream{
		cfg:      cfg,
		log:      log,
		venues:   venues,
		shards:   make([]*quoteShard, cfg.NumShards),
		numShards: uint32(cfg.NumShards),
		subs:     make(map[string]*symbolSub),
		circuits: make(map[string]*venueCircuit),
	}
	for i := range ps.shards {
		ps.shards[i] = &quoteShard{quotes: make(map[quoteKey]*Quote)}
	}
	for name := range venues {
		ps.circuits[name] = &venueCircuit{}
	}
	return ps
}

func (ps *PriceStream) shardFor(symbol string) *quoteShard {
	return ps.shards[fnvHash(symbol)%ps.numShards]
}

func (ps *PriceStream) store(symbol, venue string, price float64, ts time.Time, source string) {
	shard := ps.shardFor(symbol)
	key := quoteKey{Symbol: symbol, Venue: venue}

	shard.mu.Lock()
	if existing, ok := shard.quotes[key]; ok {
		existing.Price = price
		existing.Timestamp = ts
		existing.Source = source
	} else {
		shard.quotes[key] = &Quote{Symbol: symbol, Venue: venue, Price: price, Timestamp: ts, Source: source}
	}
	shard.mu.Unlock()
}

// GetQuote returns the most recent cached quote for (symbol, venue),
// non-blocking. The second return value is false if nothing is cached.
func (ps *PriceStream) GetQuote(symbol, venue string) (Quote, bool) {
	shard := ps.shardFor(symbol)
	key := quoteKey{Symbol: symbol, Venue: venue}

	shard.mu.RLock()
	q, ok := shard.quotes[key]
	if !ok {
		shard.mu.RUnlock()
		return Quote{}, false
	}
	copy := *q
	shard.mu.RUnlock()
	return copy, true
}

func (ps *PriceStream) dropSymbol(symbol string) {
	shard := ps.shardFor(symbol)
	shard.mu.Lock()
	for key := range shard.quotes {
		if key.Symbol == symbol {
			delete(shard.quotes, key)
		}
	}
	shard.mu.Unlock()
}

// Subscribe ensures one watch task per enabled venue for symbol. Idempotent.
func (ps *PriceStream) Subscribe(symbol string) {
	ps.subsMu.Lock()
	if _, exists := ps.subs[symbol]; exists {
		ps.subsMu.Unlock()
		return
	}

	sub := &symbolSub{cancel: make(map[string]context.CancelFunc)}
	for name, adapter := range ps.venues {
		ctx, cancel := context.WithCancel(context.Background())
		sub.cancel[name] = cancel
		go ps.watchLoop(ctx, name, adapter, symbol)
	}
	ps.subs[symbol] = sub
	ps.subsMu.Unlock()
}

// Unsubscribe cancels all watch tasks for symbol and drops its quotes.
func (ps *PriceStream) Unsubscribe(symbol string) {
	ps.subsMu.Lock()
	sub, exists := ps.subs[symbol]
	if exists {
		delete(ps.subs, symbol)
	}
	ps.subsMu.Unlock()

	if !exists {
		return
	}
	for _, cancel := range sub.cancel {
		cancel()
	}
	ps.dropSymbol(symbol)
}

// watchLoop is the per-(venue,symbol) supervised task: subscribe to the
// adapter's ticker stream, cache every tick, and retry with exponential
// backoff on transient failure. Repeated failures trip the venue's
// circuit breaker without affecting any other venue's entries.
func (ps *PriceStream) watchLoop(ctx context.Context, venue string, adapter exchange.Exchange, symbol string) {
	retryDelay := ps.cfg.InitialRetryDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ps.isCircuitOpen(venue) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ps.cfg.CooldownPeriod):
			}
			if ps.probeVenue(ctx, venue, adapter) {
				ps.resetCircuit(venue)
			}
			continue
		}

		ticks, err := adapter.WatchTicker(ctx, symbol)
		if err != nil {
			ps.recordFailure(venue)
			if ps.log != nil {
				ps.log.Warn("watch ticker failed", zap.String("venue", venue), zap.String("symbol", symbol), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			retryDelay = minDuration(retryDelay*2, ps.cfg.MaxRetryDelay)
			continue
		}

		streamBroken := ps.consumeTicks(ctx, venue, symbol, ticks)
		if !streamBroken {
			return
		}
		ps.recordFailure(venue)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = minDuration(retryDelay*2, ps.cfg.MaxRetryDelay)
	}
}

// consumeTicks drains a ticker channel until it closes or ctx is done.
// Returns true if the channel closed unexpectedly (ctx still live, so the
// caller should back off and resubscribe), false if ctx.Done() fired.
func (ps *PriceStream) consumeTicks(ctx context.Context, venue, symbol string, ticks <-chan *exchange.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case tick, ok := <-ticks:
			if !ok {
				return true
			}
			ps.store(symbol, venue, tick.LastPrice, tick.Timestamp, "stream")
			ps.resetFailures(venue)
		}
	}
}

func (ps *PriceStream) recordFailure(venue string) {
	ps.circuitMu.Lock()
	c := ps.circuits[venue]
	if c == nil {
		c = &venueCircuit{}
		ps.circuits[venue] = c
	}
	c.mu.Lock()
	c.consecutiveFailures++
	if c.consecutiveFailures >= ps.cfg.MaxConsecutiveFailures && !c.disabled {
		c.disabled = true
		c.disabledAt = time.Now()
		if ps.log != nil {
			ps.log.Warn("venue circuit opened", zap.String("venue", venue), zap.Int("failures", c.consecutiveFailures))
		}
	}
	c.mu.Unlock()
	ps.circuitMu.Unlock()
}

func (ps *PriceStream) resetFailures(venue string) {
	ps.circuitMu.Lock()
	c := ps.circuits[venue]
	ps.circuitMu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (ps *PriceStream) resetCircuit(venue string) {
	ps.circuitMu.Lock()
	c := ps.circuits[venue]
	ps.circuitMu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.disabled = false
	c.mu.Unlock()
	if ps.log != nil {
		ps.log.Info("venue circuit closed", zap.String("venue", venue))
	}
}

func (ps *PriceStream) isCircuitOpen(venue string) bool {
	ps.circuitMu.Lock()
	c := ps.circuits[venue]
	ps.circuitMu.Unlock()
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// probeVenue re-enables a tripped circuit by preferring a balance fetch
// over a free market probe, since a balance fetch is an endpoint the
// balance reconciler hits regularly anyway and costs no extra bandwidth.
func (ps *PriceStream) probeVenue(ctx context.Context, venue string, adapter exchange.Exchange) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := adapter.FetchBalance(probeCtx)
	return err == nil
}

// GetQuoteBlocking subscribes on demand and polls the cache until a fresh
// quote appears or timeout elapses, falling back to a one-shot REST
// fetch before giving up.
func (ps *PriceStream) GetQuoteBlocking(ctx context.Context, symbol, venue string, timeout time.Duration) (Quote, bool) {
	if q, ok := ps.GetQuote(symbol, venue); ok && q.Age() < ps.cfg.Freshness {
		return q, true
	}

	ps.Subscribe(symbol)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(ps.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if q, ok := ps.GetQuote(symbol, venue); ok && q.Age() < ps.cfg.Freshness {
			return q, true
		}
		select {
		case <-ctx.Done():
			return Quote{}, false
		case <-ticker.C:
		}
	}

	adapter, ok := ps.venues[venue]
	if !ok {
		return Quote{}, false
	}
	restCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tick, err := adapter.FetchTicker(restCtx, symbol)
	if err != nil {
		return Quote{}, false
	}
	ps.store(symbol, venue, tick.LastPrice, tick.Timestamp, "rest")
	return Quote{Symbol: symbol, Venue: venue, Price: tick.LastPrice, Timestamp: tick.Timestamp, Source: "rest"}, true
}

// ParallelResolve fans native-symbol resolution out across every venue
// with a per-task timeout, returning only venues that resolved.
func (ps *PriceStream) ParallelResolve(ctx context.Context, baseTicker string) map[string]string {
	type result struct {
		venue  string
		native string
		ok     bool
	}

	results := make(chan result, len(ps.venues))
	for name, adapter := range ps.venues {
		name, adapter := name, adapter
		go func() {
			taskCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			native, err := adapter.ResolveSymbol(taskCtx, baseTicker)
			results <- result{venue: name, native: native, ok: err == nil}
		}()
	}

	resolved := make(map[string]string, len(ps.venues))
	for i := 0; i < len(ps.venues); i++ {
		r := <-results
		if r.ok {
			resolved[r.venue] = r.native
		}
	}
	return resolved
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
