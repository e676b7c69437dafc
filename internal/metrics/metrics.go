package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PagesRequested counts listing pages requested from the upstream, by trade type.
var PagesRequested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2p_pages_requested_total",
		Help: "Total number of listing pages requested from the upstream API",
	},
	[]string{"fiat", "trade_type"},
)

// UpstreamErrors counts pagination stops caused by upstream faults.
var UpstreamErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2p_upstream_errors_total",
		Help: "Upstream faults that ended a page loop",
	},
	[]string{"fiat", "kind"},
)

var SideRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2p_side_retries_total",
		Help: "Retries of an empty buy or sell side",
	},
	[]string{"fiat", "trade_type"},
)

// Poll cycle metrics
var (
	PollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "p2p_poll_attempts",
			Help:    "Attempts used by a finished poll cycle",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
		},
	)

	PollOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_poll_outcomes_total",
			Help: "Finished poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	MarketValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2p_market_valid",
			Help: "1 when the published snapshot for a market is valid",
		},
		[]string{"fiat"},
	)

	SnapshotBuildSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2p_snapshot_build_seconds",
			Help:    "Time to build one market snapshot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"fiat"},
	)
)

func init() {
	prometheus.MustRegister(PagesRequested, UpstreamErrors, SideRetries)
	prometheus.MustRegister(PollAttempts, PollOutcomes, MarketValid, SnapshotBuildSeconds)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// SetMarketValid records the validity of a published market.
func SetMarketValid(fiat string, valid bool) {
	MarketValid.WithLabelValues(fiat).Set(boolGauge(valid))
}
