package domain_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/davidbz/ember/internal/domain"
)

// mockRegistry is a mock implementation of ProviderRegistry for testing.
type mockRegistry struct {
	providers map[string]domain.Provider
}

func newMockRegistry(providers ...domain.Provider) *mockRegistry {
	registry := &mockRegistry{providers: make(map[string]domain.Provider)}
	for _, p := range providers {
		registry.providers[p.Name()] = p
	}
	return registry
}

func (m *mockRegistry) Register(_ context.Context, provider domain.Provider) error {
	m.providers[provider.Name()] = provider
	return nil
}

func (m *mockRegistry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	provider, exists := m.providers[providerName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, providerName)
	}
	return provider, nil
}

func (m *mockRegistry) List(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names, nil
}

// mockProvider is a mock implementation of Provider for testing.
type mockProvider struct {
	name         string
	completeFunc func(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error)
	streamFunc   func(ctx context.Context, req *domain.ModelRequest) (*domain.ModelStream, error)
	calls        atomic.Int32
}

func (m *mockProvider) Complete(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	m.calls.Add(1)
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return &domain.ModelResponse{
		ID:           "test-id",
		Content:      "test response",
		Usage:        domain.Usage{InputTokens: 10, OutputTokens: 20},
		FinishReason: domain.FinishReasonStop,
		RawRequest:   `{"model":"` + req.Model + `"}`,
		RawResponse:  `{"id":"test-id"}`,
	}, nil
}

func (m *mockProvider) Stream(ctx context.Context, req *domain.ModelRequest) (*domain.ModelStream, error) {
	m.calls.Add(1)
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	return streamOf(ctx, "a", "b", "c"), nil
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Calls() int {
	return int(m.calls.Load())
}

// streamOf emits one chunk per piece, the last one carrying usage and a finish reason.
func streamOf(ctx context.Context, pieces ...string) *domain.ModelStream {
	chunks := make(chan domain.StreamChunk)
	go func() {
		defer close(chunks)
		for i, piece := range pieces {
			chunk := domain.StreamChunk{Content: piece}
			if i == len(pieces)-1 {
				chunk.FinishReason = domain.FinishReasonStop
				chunk.Usage = &domain.Usage{InputTokens: 3, OutputTokens: len(pieces)}
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &domain.ModelStream{Chunks: chunks, RawRequest: `{"stream":true}`}
}

// staticConfig is a fixed ConfigSource.
type staticConfig struct {
	snapshot *domain.ConfigSnapshot
}

func (s *staticConfig) Snapshot() *domain.ConfigSnapshot {
	return s.snapshot
}

// recordingWriter captures every record it is handed.
type recordingWriter struct {
	mu      sync.Mutex
	records []*domain.ObservabilityWriteRecord
}

func (w *recordingWriter) Write(_ context.Context, record *domain.ObservabilityWriteRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, record)
}

func (w *recordingWriter) Records() []*domain.ObservabilityWriteRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*domain.ObservabilityWriteRecord, len(w.records))
	copy(out, w.records)
	return out
}

// substringScanner flags any text containing needle.
type substringScanner struct {
	needle string
	err    error
	mu     sync.Mutex
	inputs []domain.GuardrailScanInput
}

func (s *substringScanner) Scan(_ context.Context, in domain.GuardrailScanInput) (*domain.GuardrailVerdict, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	verdict := &domain.GuardrailVerdict{CategoryScores: map[string]float64{"deny_list": 0}}
	for _, text := range in.Texts {
		if strings.Contains(text, s.needle) {
			verdict.Flagged = true
			verdict.CategoryScores["deny_list"] = 1
		}
	}
	return verdict, nil
}

func (s *substringScanner) Inputs() []domain.GuardrailScanInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.GuardrailScanInput, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// blockingAdmission blocks every client.
type blockingAdmission struct{}

func (blockingAdmission) ShouldBlock(_ context.Context, _ domain.ClientInfo) (*domain.BlockDecision, error) {
	return &domain.BlockDecision{Rule: "deny-all", Reason: "blocked for testing"}, nil
}

func weight(w float64) *float64 {
	return &w
}

// chatSnapshot builds a one-function snapshot whose variants each use their own
// model bound to the provider of the same name.
func chatSnapshot(variants ...domain.VariantConfig) *domain.ConfigSnapshot {
	snapshot := &domain.ConfigSnapshot{
		Functions: map[string]*domain.FunctionConfig{
			"chat": {Name: "chat", Type: domain.ModalityChat, Variants: variants},
		},
		Models: map[string]*domain.ModelConfig{},
	}
	for _, v := range variants {
		snapshot.Models[v.Model] = &domain.ModelConfig{
			Name:    v.Model,
			Routing: []domain.ProviderBinding{{Provider: v.Model, ModelName: v.Model + "-upstream"}},
			Pricing: &domain.PricingConfig{PerTokens: 1000, InputCost: 0.01, OutputCost: 0.03},
		}
	}
	return snapshot
}

func collectChunks(stream <-chan domain.StreamChunk) []domain.StreamChunk {
	var chunks []domain.StreamChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}
	return chunks
}
