package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the trade lifecycle.

var tradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "coordinator",
		Name:      "trades_total",
		Help:      "Total number of trades by final state",
	},
	[]string{"symbol", "state", "reason"},
)

var tradePnl = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "coordinator",
		Name:      "realized_pnl_total",
		Help:      "Total realized PnL across all closed trades",
	},
)

var tradeDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "coordinator",
		Name:      "trade_duration_seconds",
		Help:      "Time from Opening to terminal state",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	},
	[]string{"symbol"},
)

var activeTrades = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "coordinator",
		Name:      "active_trades",
		Help:      "Current number of in-flight trades",
	},
)

func recordOutcome(outcome TradeOutcome) {
	tradesTotal.WithLabelValues(outcome.Symbol, string(outcome.FinalState), string(outcome.CloseReason)).Inc()
	if outcome.FinalState == StateClosed {
		tradePnl.Add(outcome.RealizedPnl)
	}
	if !outcome.OpenedAt.IsZero() && !outcome.ClosedAt.IsZero() {
		tradeDuration.WithLabelValues(outcome.Symbol).Observe(outcome.ClosedAt.Sub(outcome.OpenedAt).Seconds())
	}
}
