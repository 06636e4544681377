package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Routing metrics
	RoutedTotal *prometheus.CounterVec
	PinsTotal   prometheus.Counter

	// Scoring metrics
	ScorePasses       *prometheus.CounterVec
	ScorePassDuration prometheus.Histogram
	ScoredSubmissions prometheus.Gauge
	ActivityRefreshes *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates metrics and registers them with reg. Passing nil registers
// with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RoutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debaterank_db_routed_total",
				Help: "Datastore operations routed, by endpoint and operation",
			},
			[]string{"endpoint", "operation"},
		),

		PinsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debaterank_db_pins_total",
				Help: "Clients pinned to the primary after a write",
			},
		),

		ScorePasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debaterank_score_passes_total",
				Help: "Trending score passes, by outcome",
			},
			[]string{"outcome"},
		),

		ScorePassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "debaterank_score_pass_duration_seconds",
				Help:    "Duration of trending score passes",
				Buckets: prometheus.DefBuckets,
			},
		),

		ScoredSubmissions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "debaterank_scored_submissions",
				Help: "Submissions updated by the last score pass",
			},
		),

		ActivityRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debaterank_activity_refreshes_total",
				Help: "Recent activity refreshes, by outcome",
			},
			[]string{"outcome"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debaterank_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "debaterank_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}
