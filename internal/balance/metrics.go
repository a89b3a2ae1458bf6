package balance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var venueFreeBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "balance",
		Name:      "venue_free",
		Help:      "Last known free balance per venue",
	},
	[]string{"venue"},
)

var venueDisabled = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "balance",
		Name:      "venue_disabled",
		Help:      "1 if a venue is currently disabled due to balance fetch failures, else 0",
	},
	[]string{"venue"},
)

var fetchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "balance",
		Name:      "fetch_total",
		Help:      "Total balance fetch attempts per venue by outcome",
	},
	[]string{"venue", "outcome"},
)

func recordFetchResult(venue string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	fetchTotal.WithLabelValues(venue, outcome).Inc()
}
