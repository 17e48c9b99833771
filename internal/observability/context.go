package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDBytes = 16 // OpenTelemetry trace ID size in bytes
	spanIDBytes  = 8  // OpenTelemetry span ID size in bytes
)

const (
	// TraceIDKey holds the OpenTelemetry trace ID.
	TraceIDKey contextKey = "trace_id"

	// SpanIDKey holds the OpenTelemetry span ID.
	SpanIDKey contextKey = "span_id"

	// RequestIDKey holds the unique request identifier.
	RequestIDKey contextKey = "request_id"

	// InferenceIDKey holds the inference id minted for the request.
	InferenceIDKey contextKey = "inference_id"

	// EpisodeIDKey holds the episode id of the request.
	EpisodeIDKey contextKey = "episode_id"

	// FunctionKey holds the function name targeted by the request.
	FunctionKey contextKey = "function"

	// VariantKey holds the variant currently being executed.
	VariantKey contextKey = "variant"

	// ProviderKey holds the provider name for this request.
	ProviderKey contextKey = "provider"

	// ModelKey holds the model name for this request.
	ModelKey contextKey = "model"
)

// WithTraceID injects trace ID into context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSpanID injects span ID into context.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, SpanIDKey, spanID)
}

// WithRequestID injects request ID into context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithInference injects the inference and episode ids into context.
func WithInference(ctx context.Context, inferenceID, episodeID string) context.Context {
	ctx = context.WithValue(ctx, InferenceIDKey, inferenceID)
	return context.WithValue(ctx, EpisodeIDKey, episodeID)
}

// WithFunction injects function name into context.
func WithFunction(ctx context.Context, function string) context.Context {
	return context.WithValue(ctx, FunctionKey, function)
}

// WithVariant injects variant name into context.
func WithVariant(ctx context.Context, variant string) context.Context {
	return context.WithValue(ctx, VariantKey, variant)
}

// WithProvider injects provider name into context.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ProviderKey, provider)
}

// WithModel injects model name into context.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ModelKey, model)
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetSpanID extracts span ID from context.
func GetSpanID(ctx context.Context) string {
	return stringValue(ctx, SpanIDKey)
}

// GetRequestID extracts request ID from context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetInferenceID extracts inference ID from context.
func GetInferenceID(ctx context.Context) string {
	return stringValue(ctx, InferenceIDKey)
}

// GetEpisodeID extracts episode ID from context.
func GetEpisodeID(ctx context.Context) string {
	return stringValue(ctx, EpisodeIDKey)
}

// GetFunction extracts function name from context.
func GetFunction(ctx context.Context) string {
	return stringValue(ctx, FunctionKey)
}

// GetVariant extracts variant name from context.
func GetVariant(ctx context.Context) string {
	return stringValue(ctx, VariantKey)
}

// GetProvider extracts provider name from context.
func GetProvider(ctx context.Context) string {
	return stringValue(ctx, ProviderKey)
}

// GetModel extracts model name from context.
func GetModel(ctx context.Context) string {
	return stringValue(ctx, ModelKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Detach returns a context that carries the logging values of ctx but is
// neither cancelled nor bounded by it. Used for work that outlives a request.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// GenerateTraceID generates an OpenTelemetry-compatible trace ID (32 hex chars).
func GenerateTraceID() string {
	bytes := make([]byte, traceIDBytes)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(bytes)
}

// GenerateSpanID generates an OpenTelemetry-compatible span ID (16 hex chars).
func GenerateSpanID() string {
	bytes := make([]byte, spanIDBytes)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:16]
	}
	return hex.EncodeToString(bytes)
}

// GenerateRequestID generates a unique request identifier (UUID).
func GenerateRequestID() string {
	return uuid.New().String()
}
