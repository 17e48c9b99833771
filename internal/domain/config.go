package domain

import "fmt"

// FunctionConfig is a logical function and its ordered variants.
type FunctionConfig struct {
	Name     string
	Type     Modality
	Variants []VariantConfig
}

// Variant returns the variant with the given name.
func (f *FunctionConfig) Variant(name string) (VariantConfig, bool) {
	for _, v := range f.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return VariantConfig{}, false
}

// VariantConfig binds a function to one model. A nil Weight means the
// variant is always eligible; a zero weight means pinned-only.
type VariantConfig struct {
	Name         string
	Weight       *float64
	Model        string
	SystemPrompt string
	Params       InferenceParams
}

// ModelConfig describes a model and the providers able to serve it, tried in order.
type ModelConfig struct {
	Name        string
	Routing     []ProviderBinding
	Pricing     *PricingConfig
	InputGuard  *GuardProfile
	OutputGuard *GuardProfile
}

// ProviderBinding names a registered provider and the upstream model id it serves.
type ProviderBinding struct {
	Provider  string
	ModelName string
}

// GuardProfile configures a guardrail scan.
type GuardProfile struct {
	Name        string
	Provider    string
	Model       string
	Threshold   float64
	Categories  []string
	Terms       []string
	WindowChars int
}

// ConfigSnapshot is an immutable view of the function and model tables.
// A request reads it once at the start of orchestration.
type ConfigSnapshot struct {
	Functions map[string]*FunctionConfig
	Models    map[string]*ModelConfig
}

// GetFunction returns the named function.
func (s *ConfigSnapshot) GetFunction(name string) (*FunctionConfig, error) {
	fn, ok := s.Functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn, nil
}

// GetModel returns the named model.
func (s *ConfigSnapshot) GetModel(name string) (*ModelConfig, bool) {
	model, ok := s.Models[name]
	return model, ok
}

// WithModel returns a shallow copy of the snapshot that also contains model.
func (s *ConfigSnapshot) WithModel(model *ModelConfig) *ConfigSnapshot {
	models := make(map[string]*ModelConfig, len(s.Models)+1)
	for name, m := range s.Models {
		models[name] = m
	}
	models[model.Name] = model

	return &ConfigSnapshot{
		Functions: s.Functions,
		Models:    models,
	}
}
