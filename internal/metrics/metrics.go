// Package metrics registers the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Admission
	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	ThrottledTotal *prometheus.CounterVec

	// Upstream calls
	UpstreamLatency *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec

	// Registry
	ProbeTransitions *prometheus.CounterVec

	// Streaming
	ChunksEmitted *prometheus.CounterVec
	OpenStreams   prometheus.Gauge
	QueueDepth    prometheus.Gauge
}

// New creates and registers all gateway metrics on the registerer. Tests
// pass a fresh registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests by tenant, endpoint and outcome",
			},
			[]string{"tenant", "endpoint", "outcome"}, // outcome: ok, throttled, rejected, failed
		),

		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_latency_seconds",
				Help:    "End-to-end request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		ThrottledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_throttled_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"tenant", "class"},
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_latency_seconds",
				Help:    "Latency of calls to specialist tools",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Breaker state per tool: 0 closed, 1 open, 2 half-open",
			},
			[]string{"tool"},
		),

		ProbeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_probe_transitions_total",
				Help: "Health status transitions observed by the prober",
			},
			[]string{"tool", "from", "to"},
		),

		ChunksEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_chunks_emitted_total",
				Help: "Stream chunks delivered to clients",
			},
			[]string{"transport"}, // transport: sse, websocket
		),

		OpenStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_open_streams",
				Help: "Streams currently open",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Requests admitted but not yet dispatched",
			},
		),
	}
}

// ObserveOutcome records a completed request.
func (m *Metrics) ObserveOutcome(tenant, endpoint, outcome string, seconds float64) {
	m.RequestsTotal.WithLabelValues(tenant, endpoint, outcome).Inc()
	m.RequestLatency.WithLabelValues(endpoint).Observe(seconds)
}
