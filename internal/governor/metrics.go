package governor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chrlshc/huntaze-edge-governor/internal/timeouts"
)

// Metrics holds all the Prometheus metrics for the governor
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	QuotaCheckDuration prometheus.Histogram
	DegradedTotal      prometheus.Counter
	BreakerState       *prometheus.GaugeVec
	UpstreamTimeouts   prometheus.Counter
	UpstreamLatency    *prometheus.HistogramVec
	ComputedTimeout    *prometheus.HistogramVec
}

// NewMetrics creates and registers the governor metrics on the given
// registerer. Tests pass a fresh registry for isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_decisions_total",
				Help: "Total number of governance decisions",
			},
			[]string{"decision", "reason"},
		),
		QuotaCheckDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governor_quota_check_duration_seconds",
				Help:    "Duration of sliding window quota checks",
				Buckets: prometheus.DefBuckets,
			},
		),
		DegradedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_degraded_decisions_total",
				Help: "Decisions made in fail-open mode while the counter store was unavailable",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_breaker_state",
				Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
			},
			[]string{"dependency"},
		),
		UpstreamTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_upstream_timeouts_total",
				Help: "Upstream inference calls that exceeded their computed deadline",
			},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_upstream_latency_seconds",
				Help:    "Observed upstream inference call latency",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"model", "effort"},
		),
		ComputedTimeout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_computed_timeout_seconds",
				Help:    "Deadlines produced by the adaptive timeout calculator",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"model", "effort"},
		),
	}
}

// MetricsObserver bridges the timeout calculator's telemetry into the
// governor metrics. The calculator dispatches it behind a panic guard, so a
// metrics problem can never reach the request path.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates the prometheus-backed calculator observer
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) TimeoutComputed(d timeouts.Decision) {
	o.metrics.ComputedTimeout.
		WithLabelValues(d.Basis.Model, d.Basis.ReasoningEffort).
		Observe(d.Timeout.Seconds())
}

func (o *MetricsObserver) OutcomeRecorded(model, effort string, latency time.Duration, success bool) {
	o.metrics.UpstreamLatency.WithLabelValues(model, effort).Observe(latency.Seconds())
}
