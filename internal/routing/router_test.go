package routing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/routing"
)

// mockRegistry is a mock implementation of ProviderRegistry for testing.
type mockRegistry struct {
	providers map[string]domain.Provider
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		providers: make(map[string]domain.Provider),
	}
}

func (m *mockRegistry) Register(_ context.Context, provider domain.Provider) error {
	m.providers[provider.Name()] = provider
	return nil
}

func (m *mockRegistry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	provider, exists := m.providers[providerName]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerName)
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
	name string
}

func (m *mockProvider) Complete(_ context.Context, _ *domain.ModelRequest) (*domain.ModelResponse, error) {
	return nil, nil
}

func (m *mockProvider) Stream(_ context.Context, _ *domain.ModelRequest) (*domain.ModelStream, error) {
	return nil, nil
}

func (m *mockProvider) Name() string {
	return m.name
}

func snapshot() *domain.ConfigSnapshot {
	return &domain.ConfigSnapshot{
		Functions: map[string]*domain.FunctionConfig{},
		Models: map[string]*domain.ModelConfig{
			"gpt-4o": {
				Name:    "gpt-4o",
				Routing: []domain.ProviderBinding{{Provider: "openai", ModelName: "gpt-4o"}},
			},
		},
	}
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("should build a default function for a configured model", func(t *testing.T) {
		router := routing.NewRouter(newMockRegistry())
		snap := snapshot()

		result, err := router.Route(ctx, &domain.RouteRequest{Model: "gpt-4o", Snapshot: snap})

		require.NoError(t, err)
		require.Equal(t, routing.DefaultFunction, result.Function.Name)
		require.Len(t, result.Function.Variants, 1)
		require.Equal(t, "gpt-4o", result.Function.Variants[0].Name)
		require.Equal(t, "gpt-4o", result.Function.Variants[0].Model)
		require.Same(t, snap, result.Snapshot)
	})

	t.Run("should resolve the provider shorthand against the registry", func(t *testing.T) {
		registry := newMockRegistry()
		require.NoError(t, registry.Register(ctx, &mockProvider{name: "echo"}))
		router := routing.NewRouter(registry)
		snap := snapshot()

		result, err := router.Route(ctx, &domain.RouteRequest{Model: "echo::tiny", Snapshot: snap})

		require.NoError(t, err)
		model, ok := result.Snapshot.GetModel("echo::tiny")
		require.True(t, ok)
		require.Equal(t, []domain.ProviderBinding{{Provider: "echo", ModelName: "tiny"}}, model.Routing)
		require.Nil(t, model.Pricing)

		_, leaked := snap.GetModel("echo::tiny")
		require.False(t, leaked)
	})

	t.Run("should return error when request is nil", func(t *testing.T) {
		router := routing.NewRouter(newMockRegistry())

		result, err := router.Route(ctx, nil)

		require.Error(t, err)
		require.Nil(t, result)
		require.Contains(t, err.Error(), "route request cannot be nil")
	})

	t.Run("should return error when model is empty", func(t *testing.T) {
		router := routing.NewRouter(newMockRegistry())

		_, err := router.Route(ctx, &domain.RouteRequest{Snapshot: snapshot()})

		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		require.Contains(t, err.Error(), "model name is required")
	})

	t.Run("should reject unknown models", func(t *testing.T) {
		registry := newMockRegistry()
		require.NoError(t, registry.Register(ctx, &mockProvider{name: "openai"}))
		router := routing.NewRouter(registry)

		tests := []string{"claude-3", "anthropic::claude-3", "openai::", "::gpt-4o"}
		for _, model := range tests {
			_, err := router.Route(ctx, &domain.RouteRequest{Model: model, Snapshot: snapshot()})
			require.ErrorIs(t, err, domain.ErrUnknownModel, model)
		}
	})
}
