package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tiergate proxy.
type Metrics struct {
	RequestTotal         *prometheus.CounterVec
	UpstreamDurationMs   *prometheus.HistogramVec
	StreamChunksTotal    *prometheus.CounterVec
	UpstreamFailureTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tiergate_request_total",
			Help: "Total number of requests routed by the proxy.",
		}, []string{"tier", "mode", "endpoint", "status"}),

		UpstreamDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiergate_upstream_duration_ms",
			Help:    "Time to upstream response headers in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"tier", "upstream"}),

		StreamChunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tiergate_stream_chunks_total",
			Help: "Total streamed response chunks relayed to callers.",
		}, []string{"tier"}),

		UpstreamFailureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tiergate_upstream_failure_total",
			Help: "Total upstream calls that failed at the network level.",
		}, []string{"upstream", "kind"}),
	}
}

// RequestLabels holds the label values for recording a routed request.
type RequestLabels struct {
	Tier       string
	Mode       string
	Endpoint   string
	Status     string
	Upstream   string
	DurationMs float64
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Tier, labels.Mode, labels.Endpoint, labels.Status,
	).Inc()

	if labels.DurationMs > 0 {
		m.UpstreamDurationMs.WithLabelValues(
			labels.Tier, labels.Upstream,
		).Observe(labels.DurationMs)
	}
}

// RecordStreamChunk counts one relayed chunk for a tier.
func (m *Metrics) RecordStreamChunk(tier string) {
	m.StreamChunksTotal.WithLabelValues(tier).Inc()
}

// RecordUpstreamFailure counts a network-level upstream failure.
func (m *Metrics) RecordUpstreamFailure(upstream, kind string) {
	m.UpstreamFailureTotal.WithLabelValues(upstream, kind).Inc()
}
