package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the decision path.
type Metrics struct {
	// Evaluations by terminal result and tier reached
	Evaluations *prometheus.CounterVec

	// End-to-end decision latency
	DecisionLatency prometheus.Histogram

	// Violations by kind and severity
	Violations *prometheus.CounterVec

	// Cache outcomes; hit rate derives from the two counters
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Decisions currently suspended for human review
	PendingReviews prometheus.Gauge
}

// New creates a Metrics instance with all decision metrics registered.
func New() *Metrics {
	return &Metrics{
		Evaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charter_evaluations_total",
			Help: "Total decision evaluations by result and tier reached",
		}, []string{"result", "tier"}),

		DecisionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "charter_decision_latency_ms",
			Help:    "End-to-end decision latency in milliseconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}),

		Violations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charter_violations_total",
			Help: "Total rule violations by kind and severity",
		}, []string{"kind", "severity"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charter_decision_cache_hits_total",
			Help: "Decision cache hits",
		}),

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charter_decision_cache_misses_total",
			Help: "Decision cache misses",
		}),

		PendingReviews: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "charter_pending_reviews",
			Help: "Decisions currently suspended for human review",
		}),
	}
}

// IncEvaluation records a terminal evaluation outcome.
func (m *Metrics) IncEvaluation(result, tier string) {
	if m != nil {
		m.Evaluations.WithLabelValues(result, tier).Inc()
	}
}

// ObserveDecisionLatency records end-to-end latency in milliseconds.
func (m *Metrics) ObserveDecisionLatency(ms float64) {
	if m != nil {
		m.DecisionLatency.Observe(ms)
	}
}

// IncViolation records one triggered violation.
func (m *Metrics) IncViolation(kind, severity string) {
	if m != nil {
		m.Violations.WithLabelValues(kind, severity).Inc()
	}
}

// IncCacheHit records a decision cache hit.
func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// IncCacheMiss records a decision cache miss.
func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// AddPending adjusts the pending-review gauge.
func (m *Metrics) AddPending(delta float64) {
	if m != nil {
		m.PendingReviews.Add(delta)
	}
}
