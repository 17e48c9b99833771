package catalog

import (
	"github.com/davidbz/ember/internal/domain"
)

// file is the on-disk catalog layout.
type file struct {
	Functions map[string]functionEntry `yaml:"functions"`
	Models    map[string]modelEntry    `yaml:"models"`
}

type functionEntry struct {
	Type     domain.Modality `yaml:"type"`
	Variants []variantEntry  `yaml:"variants"`
}

type variantEntry struct {
	Name         string      `yaml:"name"`
	Model        string      `yaml:"model"`
	Weight       *float64    `yaml:"weight"`
	SystemPrompt string      `yaml:"system_prompt"`
	Params       paramsEntry `yaml:"params"`
}

type paramsEntry struct {
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
	Seed        *int     `yaml:"seed"`
}

type modelEntry struct {
	Routing     []bindingEntry        `yaml:"routing"`
	Pricing     *domain.PricingConfig `yaml:"pricing"`
	InputGuard  *guardEntry           `yaml:"input_guard"`
	OutputGuard *guardEntry           `yaml:"output_guard"`
}

type bindingEntry struct {
	Provider  string `yaml:"provider"`
	ModelName string `yaml:"model_name"`
}

type guardEntry struct {
	Name        string   `yaml:"name"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Threshold   float64  `yaml:"threshold"`
	Categories  []string `yaml:"categories"`
	Terms       []string `yaml:"terms"`
	WindowChars int      `yaml:"window_chars"`
}

func (g *guardEntry) toDomain(fallbackName string) *domain.GuardProfile {
	if g == nil {
		return nil
	}
	name := g.Name
	if name == "" {
		name = fallbackName
	}
	return &domain.GuardProfile{
		Name:        name,
		Provider:    g.Provider,
		Model:       g.Model,
		Threshold:   g.Threshold,
		Categories:  g.Categories,
		Terms:       g.Terms,
		WindowChars: g.WindowChars,
	}
}
