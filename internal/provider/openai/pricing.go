package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/ember/internal/domain"
)

// pricingPerTokens is the token unit OpenAI list prices are quoted in.
const pricingPerTokens = 1_000_000

// DefaultPricing returns list prices in USD per million tokens for common models.
func DefaultPricing() map[string]domain.PricingConfig {
	return map[string]domain.PricingConfig{
		"gpt-4o":                 {PerTokens: pricingPerTokens, InputCost: 2.50, OutputCost: 10.00},
		"gpt-4o-mini":            {PerTokens: pricingPerTokens, InputCost: 0.15, OutputCost: 0.60},
		"gpt-4.1":                {PerTokens: pricingPerTokens, InputCost: 2.00, OutputCost: 8.00},
		"gpt-4.1-mini":           {PerTokens: pricingPerTokens, InputCost: 0.40, OutputCost: 1.60},
		"gpt-4-turbo":            {PerTokens: pricingPerTokens, InputCost: 10.00, OutputCost: 30.00},
		"gpt-3.5-turbo":          {PerTokens: pricingPerTokens, InputCost: 0.50, OutputCost: 1.50},
		"text-embedding-3-small": {PerTokens: pricingPerTokens, InputCost: 0.02},
		"text-embedding-3-large": {PerTokens: pricingPerTokens, InputCost: 0.13},
		"omni-moderation-latest": {PerTokens: pricingPerTokens},
	}
}

// RegisterPricing registers OpenAI model pricing with the registry under
// both the bare and the provider-qualified model name.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for model, config := range DefaultPricing() {
		for _, name := range []string{model, providerName + "::" + model} {
			if err := registry.RegisterPricing(ctx, name, config); err != nil {
				return fmt.Errorf("failed to register pricing for model %s: %w", name, err)
			}
		}
	}

	return nil
}
