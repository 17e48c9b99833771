package domain

import "context"

// PricingConfig prices PerTokens tokens of input and output, in USD.
type PricingConfig struct {
	PerTokens  int     `yaml:"per_tokens" json:"per_tokens"`
	InputCost  float64 `yaml:"input_cost" json:"input_cost"`
	OutputCost float64 `yaml:"output_cost" json:"output_cost"`
}

// DefaultFallbackPricing is applied when a model carries no pricing.
var DefaultFallbackPricing = PricingConfig{
	PerTokens:  1,
	InputCost:  0.000001,
	OutputCost: 0.000002,
}

// CostCalculator calculates cost based on token usage.
type CostCalculator interface {
	// Calculate returns the total cost for a given model and usage.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)

	// PricingFor returns the pricing a model is billed at: configured when
	// set, else the registered pricing, else the fallback.
	PricingFor(ctx context.Context, model string, configured *PricingConfig) PricingConfig
}

// PricingRegistry maintains pricing information for models.
type PricingRegistry interface {
	// GetPricing returns pricing config for a model.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)

	// RegisterPricing adds default pricing for a model.
	RegisterPricing(ctx context.Context, model string, config PricingConfig) error

	// ReplaceOverrides swaps the whole override set. Overrides win over
	// registered defaults; a model missing from the new set falls back to
	// its default.
	ReplaceOverrides(ctx context.Context, overrides map[string]PricingConfig) error
}

// CostFor prices usage with pricing, or with fallback when pricing is nil.
func CostFor(pricing *PricingConfig, usage Usage, fallback PricingConfig) float64 {
	p := fallback
	if pricing != nil {
		p = *pricing
	}

	perTokens := float64(p.PerTokens)
	if perTokens <= 0 {
		perTokens = 1
	}

	inputCost := float64(usage.InputTokens) / perTokens * p.InputCost
	outputCost := float64(usage.OutputTokens) / perTokens * p.OutputCost
	return inputCost + outputCost
}
