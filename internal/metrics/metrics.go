// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ember"

var (
	// RequestsTotal tracks terminal inference outcomes.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Total number of inference requests by function, mode and status.",
		},
		[]string{"function", "mode", "status"}, // mode: "buffered" or "stream"
	)

	// InferenceLatency tracks orchestration latency in seconds.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Latency of the model call for successful inferences.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function", "variant", "mode"},
	)

	// VariantAttemptsTotal tracks every variant tried by the fallback loop.
	VariantAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_attempts_total",
			Help:      "Variant attempts by function, variant and outcome.",
		},
		[]string{"function", "variant", "outcome"}, // outcome: "success" or "error"
	)

	// ProviderCallsTotal tracks calls to upstream providers.
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Upstream provider calls by provider, model and outcome.",
		},
		[]string{"provider", "model", "outcome"}, // outcome: "success", "error" or "cache_hit"
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total number of tokens consumed.",
		},
		[]string{"function", "direction"}, // direction: "input" or "output"
	)

	// GuardrailScansTotal tracks guardrail scans.
	GuardrailScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_scans_total",
			Help:      "Guardrail scans by guard type, mode and verdict.",
		},
		[]string{"guard_type", "mode", "verdict"}, // verdict: "pass", "flagged" or "error"
	)

	// SinkWritesTotal tracks observability sink writes.
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Observability sink writes by sink and outcome.",
		},
		[]string{"sink", "outcome"}, // sink: "columnar", "event_bus" or "object_store"
	)

	// ActiveStreams tracks the number of streams currently being delivered.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streaming responses in flight.",
		},
	)
)

// Outcome returns "error" when err is non-nil and "success" otherwise.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
