package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/davidbz/ember/internal/domain"
)

const (
	// DefaultFunction names the synthetic function built for model targets.
	DefaultFunction = "default"

	shorthandSeparator = "::"
)

// SimpleRouter resolves model-name targets into a single-variant function.
type SimpleRouter struct {
	registry domain.ProviderRegistry
}

var _ domain.Router = (*SimpleRouter)(nil)

// NewRouter creates a new router.
func NewRouter(registry domain.ProviderRegistry) *SimpleRouter {
	return &SimpleRouter{
		registry: registry,
	}
}

// Route builds the "default" function for req.Model. The model must either
// exist in the snapshot or use the "provider::model" shorthand naming a
// registered provider; the shorthand adds an unpriced model to a copy of the snapshot.
func (r *SimpleRouter) Route(ctx context.Context, req *domain.RouteRequest) (*domain.RouteResult, error) {
	if req == nil {
		return nil, errors.New("route request cannot be nil")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model name is required", domain.ErrInvalidRequest)
	}
	if req.Snapshot == nil {
		return nil, errors.New("route request has no config snapshot")
	}

	snapshot := req.Snapshot
	if _, ok := snapshot.GetModel(req.Model); !ok {
		model, err := r.shorthand(ctx, req.Model)
		if err != nil {
			return nil, err
		}
		snapshot = snapshot.WithModel(model)
	}

	return &domain.RouteResult{
		Function: &domain.FunctionConfig{
			Name: DefaultFunction,
			Type: domain.ModalityChat,
			Variants: []domain.VariantConfig{{
				Name:  req.Model,
				Model: req.Model,
			}},
		},
		Snapshot: snapshot,
	}, nil
}

func (r *SimpleRouter) shorthand(ctx context.Context, name string) (*domain.ModelConfig, error) {
	providerName, upstream, ok := strings.Cut(name, shorthandSeparator)
	if !ok || providerName == "" || upstream == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
	}

	if _, err := r.registry.Get(ctx, providerName); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUnknownModel, name, err)
	}

	return &domain.ModelConfig{
		Name:    name,
		Routing: []domain.ProviderBinding{{Provider: providerName, ModelName: upstream}},
	}, nil
}
