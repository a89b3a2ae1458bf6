// Package balance runs a periodic parallel balance fan-out across venues
// and publishes a snapshot consumed by the admission filter and the
// dashboard. It never blocks trade execution: a venue's fetch failing, or
// the whole reconciler never having run, makes AvailableMargin report
// not-ok for that venue rather than an error propagated into the hot path.
//
// Uses a copy of the venue map, parallel fetch under a sync.WaitGroup,
// and a per-exchange timeout, generalized with the
// consecutive-failure disablement and cool-down re-enablement named for
// this system, mirrored on pricestream's own MaxConsecutiveFailures/
// CooldownPeriod fields rather than invented from scratch.
package balance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/filter"
	"arbitrage/pkg/retry"
)

// Config controls the fan-out cadence and disablement thresholds.
type Config struct {
	Interval               time.Duration // how often to refresh all venues, default 10s
	FetchTimeout           time.Duration // per-venue FetchBalance timeout
	MaxConsecutiveFailures int           // failures before a venue is marked disabled
	CooldownPeriod         time.Duration // time a disabled venue waits before being retried
}

func DefaultConfig() Config {
	return Config{
		Interval:               10 * time.Second,
		FetchTimeout:           5 * time.Second,
		MaxConsecutiveFailures: 3,
		CooldownPeriod:         30 * time.Second,
	}
}

// venueState is the reconciler's per-venue bookkeeping, guarded by the
// Reconciler's single mutex: copy state under the lock, do the work
// outside it.
type venueState struct {
	balance           exchange.Balance
	lastSuccess       time.Time
	consecutiveFails  int
	disabled          bool
	disabledAt        time.Time
}

// Snapshot is a point-in-time, read-only view of one venue's balance
// state, handed to the dashboard.
type Snapshot struct {
	Venue       string
	Free        float64
	Used        float64
	Total       float64
	Disabled    bool
	LastSuccess time.Time
}

// Reconciler owns the periodic fan-out and the cached per-venue state. It
// concretely satisfies filter.VenueHealth and filter.MarginSource so the
// admission filter can consult live balance/health data without importing
// this package.
type Reconciler struct {
	cfg       Config
	exchanges map[string]exchange.Exchange
	log       *zap.Logger

	mu    sync.RWMutex
	state map[string]*venueState
}

func New(cfg Config, exchanges map[string]exchange.Exchange, log *zap.Logger) *Reconciler {
	state := make(map[string]*venueState, len(exchanges))
	for name := range exchanges {
		state[name] = &venueState{}
	}
	return &Reconciler{cfg: cfg, exchanges: exchanges, log: log, state: state}
}

// Run blocks, refreshing all venues every cfg.Interval until ctx is
// cancelled. Call it in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

// refreshAll fans out FetchBalance to every venue in parallel. Grounded
// directly on Engine.updateBalances: copy the venue map (set once in New
// and never modified, so no lock is taken for the copy), launch one
// goroutine per venue with its own timeout, wait, then
// record results without holding any lock across network calls.
func (r *Reconciler) refreshAll(ctx context.Context) {
	venues := make(map[string]exchange.Exchange, len(r.exchanges))
	for name, exch := range r.exchanges {
		venues[name] = exch
	}
	if len(venues) == 0 {
		return
	}

	var wg sync.WaitGroup
	for name, exch := range venues {
		if r.IsDisabled(name) && !r.cooldownElapsed(name) {
			continue
		}
		wg.Add(1)
		go func(venue string, ex exchange.Exchange) {
			defer wg.Done()
			r.refreshOne(ctx, venue, ex)
		}(name, exch)
	}
	wg.Wait()
}

// refreshOne fetches a single venue's balance with a bounded retry —
// pkg/retry.ConservativeConfig is documented by its author as intended
// for exactly this: a non-critical, periodic probe that can afford a few
// slow seconds but must not busy-loop a flaky venue.
func (r *Reconciler) refreshOne(parent context.Context, venue string, exch exchange.Exchange) {
	var bal exchange.Balance
	err := retry.Do(parent, func() error {
		ctx, cancel := context.WithTimeout(parent, r.cfg.FetchTimeout)
		defer cancel()
		b, fetchErr := exch.FetchBalance(ctx)
		if fetchErr != nil {
			return fetchErr
		}
		bal = b
		return nil
	}, retry.ConservativeConfig())

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[venue]
	if !ok {
		st = &venueState{}
		r.state[venue] = st
	}

	if err != nil {
		st.consecutiveFails++
		recordFetchResult(venue, false)
		if st.consecutiveFails >= r.cfg.MaxConsecutiveFailures && !st.disabled {
			st.disabled = true
			st.disabledAt = time.Now()
			venueDisabled.WithLabelValues(venue).Set(1)
			if r.log != nil {
				r.log.Warn("venue disabled after consecutive balance fetch failures",
					zap.String("venue", venue), zap.Int("fails", st.consecutiveFails), zap.Error(err))
			}
		}
		return
	}

	st.balance = bal
	st.lastSuccess = time.Now()
	st.consecutiveFails = 0
	recordFetchResult(venue, true)
	venueFreeBalance.WithLabelValues(venue).Set(bal.Free)
	if st.disabled {
		st.disabled = false
		venueDisabled.WithLabelValues(venue).Set(0)
		if r.log != nil {
			r.log.Info("venue re-enabled after successful balance fetch", zap.String("venue", venue))
		}
	}
}

func (r *Reconciler) cooldownElapsed(venue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.state[venue]
	if !ok || !st.disabled {
		return true
	}
	return time.Since(st.disabledAt) >= r.cfg.CooldownPeriod
}

// IsDisabled satisfies filter.VenueHealth.
func (r *Reconciler) IsDisabled(venue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.state[venue]
	if !ok {
		return false
	}
	return st.disabled
}

// AvailableMargin satisfies filter.MarginSource. A venue with no
// successful fetch yet, or a disabled venue, reports not-ok rather than a
// fabricated zero the filter could misread as "definitely zero margin" —
// the filter treats not-ok as fail-closed for the venue.
func (r *Reconciler) AvailableMargin(venue string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.state[venue]
	if !ok || st.lastSuccess.IsZero() || st.disabled {
		return 0, false
	}
	return st.balance.Free, true
}

// Snapshot returns a dashboard-friendly view of every known venue.
func (r *Reconciler) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.state))
	for venue, st := range r.state {
		out = append(out, Snapshot{
			Venue:       venue,
			Free:        st.balance.Free,
			Used:        st.balance.Used,
			Total:       st.balance.Total,
			Disabled:    st.disabled,
			LastSuccess: st.lastSuccess,
		})
	}
	return out
}

var (
	_ filter.VenueHealth  = (*Reconciler)(nil)
	_ filter.MarginSource = (*Reconciler)(nil)
)
