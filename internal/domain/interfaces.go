package domain

import (
	"context"
	"time"
)

// Provider represents any upstream model provider.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// Stream sends a request and returns a stream of chunks.
	Stream(ctx context.Context, req *ModelRequest) (*ModelStream, error)

	// Name returns the provider identifier.
	Name() string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// ConfigSource hands out the current function and model tables.
type ConfigSource interface {
	// Snapshot returns the current immutable configuration.
	Snapshot() *ConfigSnapshot
}

// Router resolves a model-name target into a function.
type Router interface {
	// Route returns the function to run and the snapshot to run it against.
	Route(ctx context.Context, req *RouteRequest) (*RouteResult, error)
}

// RouteRequest contains the model target to resolve.
type RouteRequest struct {
	Model    string
	Snapshot *ConfigSnapshot
}

// RouteResult is a resolved model target.
type RouteResult struct {
	Function *FunctionConfig
	Snapshot *ConfigSnapshot
}

// GuardrailScanner scores text against a guard profile.
type GuardrailScanner interface {
	// Scan returns a verdict, or an error when the scan could not run.
	Scan(ctx context.Context, in GuardrailScanInput) (*GuardrailVerdict, error)
}

// RecordWriter persists a terminal inference outcome. It never fails the caller.
type RecordWriter interface {
	// Write hands the record to all observability sinks.
	Write(ctx context.Context, record *ObservabilityWriteRecord)
}

// Row is one record for the columnar store.
type Row map[string]any

// ColumnarStore is an append-only analytical store.
type ColumnarStore interface {
	// Write appends rows to the named table.
	Write(ctx context.Context, table string, rows []Row) error
}

// EventPublisher publishes inference events for downstream analytics.
type EventPublisher interface {
	// Publish sends one event.
	Publish(ctx context.Context, event *InferenceEvent) error
}

// ObjectStore persists binary attachments. Put returns ErrObjectExists when
// the key is already stored.
type ObjectStore interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// AdmissionController pre-screens requests before orchestration.
type AdmissionController interface {
	// ShouldBlock returns a non-nil decision when the client must be rejected.
	ShouldBlock(ctx context.Context, client ClientInfo) (*BlockDecision, error)
}

// BlockDecision names the admission rule that matched.
type BlockDecision struct {
	Rule   string
	Reason string
}

// ModelCache stores buffered model responses keyed by request content.
type ModelCache interface {
	// Get returns a cached response no older than maxAge, or ErrCacheMiss.
	Get(ctx context.Context, key string, maxAge time.Duration) (*ModelResponse, error)

	// Set stores a response.
	Set(ctx context.Context, key string, resp *ModelResponse) error
}

// TokenCounter estimates token counts for billing.
type TokenCounter interface {
	// CountTokens returns the number of tokens in text for the given model.
	CountTokens(model, text string) int
}
