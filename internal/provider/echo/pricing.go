package echo

import "github.com/davidbz/ember/internal/domain"

// Model returns the catalog entry for the echo model. Echo is free, so its
// pricing is explicitly zero rather than absent.
func Model() *domain.ModelConfig {
	return &domain.ModelConfig{
		Name:    modelName,
		Routing: []domain.ProviderBinding{{Provider: providerName, ModelName: modelName}},
		Pricing: &domain.PricingConfig{PerTokens: 1},
	}
}

// Function returns a chat function with a single echo variant.
func Function(name string) *domain.FunctionConfig {
	return &domain.FunctionConfig{
		Name: name,
		Type: domain.ModalityChat,
		Variants: []domain.VariantConfig{{
			Name:  modelName,
			Model: modelName,
		}},
	}
}
