package domain

import (
	"context"
	"errors"
)

// StandardCostCalculator implements standard token-based cost calculation.
type StandardCostCalculator struct {
	pricingRegistry PricingRegistry
	fallback        PricingConfig
}

// NewStandardCostCalculator creates a new cost calculator.
func NewStandardCostCalculator(registry PricingRegistry, fallback PricingConfig) *StandardCostCalculator {
	return &StandardCostCalculator{
		pricingRegistry: registry,
		fallback:        fallback,
	}
}

// Calculate computes the total cost based on token usage and model pricing.
// Models without registered pricing are billed at the fallback rate.
func (c *StandardCostCalculator) Calculate(
	ctx context.Context,
	model string,
	usage Usage,
) (float64, error) {
	if model == "" {
		return 0, errors.New("model cannot be empty")
	}

	pricing := c.PricingFor(ctx, model, nil)
	return CostFor(&pricing, usage, c.fallback), nil
}

// PricingFor resolves the pricing model is billed at.
func (c *StandardCostCalculator) PricingFor(
	ctx context.Context,
	model string,
	configured *PricingConfig,
) PricingConfig {
	if configured != nil {
		return *configured
	}
	if c.pricingRegistry != nil && model != "" {
		if pricing, err := c.pricingRegistry.GetPricing(ctx, model); err == nil {
			return pricing
		}
	}
	return c.fallback
}
