package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit pipeline.
type Metrics struct {
	Classified *prometheus.CounterVec
	Forwarded  *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	Retries    prometheus.Counter
	Spilled    prometheus.Counter
	Replayed   prometheus.Counter
}

// New creates a Metrics instance with all audit pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		Classified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charter_audit_classified_total",
			Help: "Telemetry events classified, by category",
		}, []string{"category"}),

		Forwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charter_audit_forwarded_total",
			Help: "Audit events published to the transport, by topic",
		}, []string{"topic"}),

		Dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charter_audit_dropped_total",
			Help: "Audit events dropped before transport, by reason",
		}, []string{"reason"}),

		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charter_audit_publish_retries_total",
			Help: "Publish attempts beyond the first",
		}),

		Spilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charter_audit_spilled_total",
			Help: "Events persisted to the local spillover queue",
		}),

		Replayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charter_audit_replayed_total",
			Help: "Spillover events successfully replayed",
		}),
	}
}

// IncClassified records one classified event.
func (m *Metrics) IncClassified(category string) {
	if m != nil {
		m.Classified.WithLabelValues(category).Inc()
	}
}

// IncForwarded records one event handed to the transport.
func (m *Metrics) IncForwarded(topic string) {
	if m != nil {
		m.Forwarded.WithLabelValues(topic).Inc()
	}
}

// IncDropped records a dropped event.
func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

// IncRetry records a publish retry.
func (m *Metrics) IncRetry() {
	if m != nil {
		m.Retries.Inc()
	}
}

// IncSpilled records an event written to the spillover queue.
func (m *Metrics) IncSpilled() {
	if m != nil {
		m.Spilled.Inc()
	}
}

// IncReplayed records a spillover event successfully replayed.
func (m *Metrics) IncReplayed() {
	if m != nil {
		m.Replayed.Inc()
	}
}
