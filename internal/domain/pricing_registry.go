package domain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
)

// InMemoryPricingRegistry keeps two layers of pricing. Providers register
// list prices as defaults; the catalog replaces the override layer on every
// load.
type InMemoryPricingRegistry struct {
	mu        sync.RWMutex
	defaults  map[string]PricingConfig
	overrides map[string]PricingConfig
}

// NewInMemoryPricingRegistry creates a new in-memory pricing registry.
func NewInMemoryPricingRegistry() *InMemoryPricingRegistry {
	return &InMemoryPricingRegistry{
		mu:        sync.RWMutex{},
		defaults:  make(map[string]PricingConfig),
		overrides: make(map[string]PricingConfig),
	}
}

// GetPricing returns the override for model, else its default.
func (r *InMemoryPricingRegistry) GetPricing(
	_ context.Context,
	model string,
) (PricingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if config, ok := r.overrides[model]; ok {
		return config, nil
	}
	if config, ok := r.defaults[model]; ok {
		return config, nil
	}
	return PricingConfig{}, fmt.Errorf("pricing not found for model: %s", model)
}

// RegisterPricing sets the default pricing for a model.
func (r *InMemoryPricingRegistry) RegisterPricing(
	_ context.Context,
	model string,
	config PricingConfig,
) error {
	if model == "" {
		return errors.New("model cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults[model] = config
	return nil
}

// ReplaceOverrides swaps the override layer for a copy of overrides.
func (r *InMemoryPricingRegistry) ReplaceOverrides(
	_ context.Context,
	overrides map[string]PricingConfig,
) error {
	if _, ok := overrides[""]; ok {
		return errors.New("model cannot be empty")
	}

	next := maps.Clone(overrides)
	if next == nil {
		next = make(map[string]PricingConfig)
	}

	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()
	return nil
}
