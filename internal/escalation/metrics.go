package escalation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for escalations.
// All metrics use the hitl_escalation_ namespace.
type Metrics struct {
	EscalationsTotal  *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	ActiveEscalations prometheus.Gauge
}

// NewMetrics creates and registers escalation metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "escalation",
			Name:      "total",
			Help:      "Total escalations by outcome (approved, denied, expired, failed).",
		}, []string{"outcome"}),

		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hitl",
			Subsystem: "escalation",
			Name:      "decision_duration_seconds",
			Help:      "Time from request to decision in seconds.",
			Buckets:   []float64{10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
		}, []string{"outcome"}),

		ActiveEscalations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hitl",
			Subsystem: "escalation",
			Name:      "active",
			Help:      "Escalations awaiting a decision in this process.",
		}),
	}

	reg.MustRegister(
		m.EscalationsTotal,
		m.DecisionDuration,
		m.ActiveEscalations,
	)

	return m
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.ActiveEscalations.Inc()
}

func (m *Metrics) finished(outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.ActiveEscalations.Dec()
	m.EscalationsTotal.WithLabelValues(outcome).Inc()
	if outcome != "failed" {
		m.DecisionDuration.WithLabelValues(outcome).Observe(time.Since(since).Seconds())
	}
}

// detached records a run this process stopped waiting on without a decision.
func (m *Metrics) detached() {
	if m == nil {
		return
	}
	m.ActiveEscalations.Dec()
}
