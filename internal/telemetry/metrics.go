// Package telemetry provides observability primitives for the Switchyard
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActiveRequests       prometheus.Gauge
	ClassificationsTotal *prometheus.CounterVec
	RoutingFallbacks     prometheus.Counter
	UpstreamDuration     *prometheus.HistogramVec
	UpstreamErrors       *prometheus.CounterVec
	RetriesTotal         *prometheus.CounterVec
	KeyTransitions       *prometheus.CounterVec
	ActiveStreams        prometheus.Gauge
	ToolLoopsTotal       *prometheus.CounterVec
	TokensProcessed      *prometheus.CounterVec
	UsageQueueLength     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchyard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "classifications_total",
			Help:      "Total requests classified, by chosen route.",
		}, []string{"route"}),

		RoutingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "routing_fallbacks_total",
			Help:      "Total selections that fell back to the default pool.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchyard",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "retries_total",
			Help:      "Total retry attempts after a failed upstream call.",
		}, []string{"route"}),

		KeyTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "key_transitions_total",
			Help:      "Total credential state transitions.",
		}, []string{"provider", "state"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "active_streams",
			Help:      "Number of currently open SSE streams.",
		}),

		ToolLoopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "tool_loops_total",
			Help:      "Total server-tool loop continuations, by outcome.",
		}, []string{"outcome"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ClassificationsTotal,
		m.RoutingFallbacks,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RetriesTotal,
		m.KeyTransitions,
		m.ActiveStreams,
		m.ToolLoopsTotal,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
