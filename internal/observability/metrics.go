package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-wide Prometheus metrics for hitl.
// Uses a custom registry, no global state. Packages with their own metrics
// (escalation) register on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Slack Web API and response URL calls.
	SlackCallsTotal   *prometheus.CounterVec
	SlackCallDuration *prometheus.HistogramVec

	// Inbound interaction callbacks.
	CallbacksTotal         *prometheus.CounterVec
	SignatureFailuresTotal *prometheus.CounterVec

	// Hook registry transitions.
	HookResolutionsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SlackCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "slack",
			Name:      "calls_total",
			Help:      "Total Slack API calls by method and result (ok, error, or the Slack error code).",
		}, []string{"method", "result"}),

		SlackCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hitl",
			Subsystem: "slack",
			Name:      "call_duration_seconds",
			Help:      "Slack API call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),

		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "webhook",
			Name:      "callbacks_total",
			Help:      "Total interaction callbacks by source and outcome.",
		}, []string{"source", "result"}),

		SignatureFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "webhook",
			Name:      "signature_failures_total",
			Help:      "Callbacks rejected by request signing verification.",
		}, []string{"reason"}),

		HookResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "hook",
			Name:      "resolutions_total",
			Help:      "Hook resolution attempts by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hitl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hitl",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SlackCallsTotal,
		m.SlackCallDuration,
		m.CallbacksTotal,
		m.SignatureFailuresTotal,
		m.HookResolutionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordCallback counts an interaction callback. Nil-safe.
func (m *MetricsCollector) RecordCallback(source, result string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(source, result).Inc()
}

// RecordSignatureFailure counts a rejected callback. Nil-safe.
func (m *MetricsCollector) RecordSignatureFailure(reason string) {
	if m == nil {
		return
	}
	m.SignatureFailuresTotal.WithLabelValues(reason).Inc()
}
