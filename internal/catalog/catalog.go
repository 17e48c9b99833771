// Package catalog loads the function and model tables from YAML and hands
// out immutable snapshots of them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
	"github.com/davidbz/ember/internal/provider/echo"
	"github.com/davidbz/ember/internal/routing"
)

// Catalog implements domain.ConfigSource over a YAML file.
type Catalog struct {
	path    string
	pricing domain.PricingRegistry

	mu       sync.RWMutex
	snapshot *domain.ConfigSnapshot
}

// New loads the catalog at path. A missing file yields a snapshot serving
// the echo model under the default function. pricing may be nil.
func New(ctx context.Context, path string, pricing domain.PricingRegistry) (*Catalog, error) {
	c := &Catalog{path: path, pricing: pricing}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (c *Catalog) Snapshot() *domain.ConfigSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Reload re-reads the file and swaps the snapshot. On failure the previous
// snapshot stays in place.
func (c *Catalog) Reload(ctx context.Context) error {
	logger := observability.FromContext(ctx)

	snapshot, err := c.load()
	if err != nil {
		logger.Error("failed to load catalog", observability.String("path", c.path), observability.Error(err))
		return err
	}

	if err := c.registerPricing(ctx, snapshot); err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	logger.Info("catalog loaded",
		observability.String("path", c.path),
		observability.Int("functions", len(snapshot.Functions)),
		observability.Int("models", len(snapshot.Models)),
	)
	return nil
}

func (c *Catalog) load() (*domain.ConfigSnapshot, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	return Parse(data)
}

func (c *Catalog) registerPricing(ctx context.Context, snapshot *domain.ConfigSnapshot) error {
	if c.pricing == nil {
		return nil
	}
	overrides := make(map[string]domain.PricingConfig, len(snapshot.Models))
	for name, model := range snapshot.Models {
		if model.Pricing != nil {
			overrides[name] = *model.Pricing
		}
	}
	if err := c.pricing.ReplaceOverrides(ctx, overrides); err != nil {
		return fmt.Errorf("failed to register catalog pricing: %w", err)
	}
	return nil
}

// DefaultSnapshot serves the echo model under the default function.
func DefaultSnapshot() *domain.ConfigSnapshot {
	model := echo.Model()
	return &domain.ConfigSnapshot{
		Functions: map[string]*domain.FunctionConfig{routing.DefaultFunction: echo.Function(routing.DefaultFunction)},
		Models:    map[string]*domain.ModelConfig{model.Name: model},
	}
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*domain.ConfigSnapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	snapshot := &domain.ConfigSnapshot{
		Functions: make(map[string]*domain.FunctionConfig, len(f.Functions)),
		Models:    make(map[string]*domain.ModelConfig, len(f.Models)),
	}

	for name, entry := range f.Models {
		model, err := buildModel(name, entry)
		if err != nil {
			return nil, err
		}
		snapshot.Models[name] = model
	}

	for name, entry := range f.Functions {
		fn, err := buildFunction(name, entry, snapshot.Models)
		if err != nil {
			return nil, err
		}
		snapshot.Functions[name] = fn
	}

	return snapshot, nil
}

func buildModel(name string, entry modelEntry) (*domain.ModelConfig, error) {
	if len(entry.Routing) == 0 {
		return nil, fmt.Errorf("model %s: routing must name at least one provider", name)
	}

	model := &domain.ModelConfig{
		Name:        name,
		Pricing:     entry.Pricing,
		InputGuard:  entry.InputGuard.toDomain(name + "_input"),
		OutputGuard: entry.OutputGuard.toDomain(name + "_output"),
	}
	for i, b := range entry.Routing {
		if b.Provider == "" {
			return nil, fmt.Errorf("model %s: routing[%d] has no provider", name, i)
		}
		upstream := b.ModelName
		if upstream == "" {
			upstream = name
		}
		model.Routing = append(model.Routing, domain.ProviderBinding{Provider: b.Provider, ModelName: upstream})
	}

	for _, guard := range []*domain.GuardProfile{model.InputGuard, model.OutputGuard} {
		if guard != nil && guard.Provider == "" {
			return nil, fmt.Errorf("model %s: guard profile %s has no provider", name, guard.Name)
		}
	}
	return model, nil
}

func buildFunction(name string, entry functionEntry, models map[string]*domain.ModelConfig) (*domain.FunctionConfig, error) {
	fnType := entry.Type
	if fnType == "" {
		fnType = domain.ModalityChat
	}
	if !fnType.Valid() {
		return nil, fmt.Errorf("function %s: unknown type %q", name, fnType)
	}
	if len(entry.Variants) == 0 {
		return nil, fmt.Errorf("function %s: %w", name, domain.ErrInvalidFunctionVariants)
	}

	fn := &domain.FunctionConfig{Name: name, Type: fnType}
	seen := make(map[string]bool, len(entry.Variants))
	for _, v := range entry.Variants {
		switch {
		case v.Name == "":
			return nil, fmt.Errorf("function %s: variant without a name", name)
		case seen[v.Name]:
			return nil, fmt.Errorf("function %s: duplicate variant %s", name, v.Name)
		case v.Weight != nil && *v.Weight < 0:
			return nil, fmt.Errorf("function %s: variant %s has a negative weight", name, v.Name)
		}
		if _, ok := models[v.Model]; !ok {
			return nil, fmt.Errorf("function %s: variant %s: %w: %s", name, v.Name, domain.ErrUnknownModel, v.Model)
		}
		seen[v.Name] = true

		fn.Variants = append(fn.Variants, domain.VariantConfig{
			Name:         v.Name,
			Weight:       v.Weight,
			Model:        v.Model,
			SystemPrompt: v.SystemPrompt,
			Params: domain.InferenceParams{
				Temperature: v.Params.Temperature,
				MaxTokens:   v.Params.MaxTokens,
				Seed:        v.Params.Seed,
			},
		})
	}
	return fn, nil
}

// FunctionNames returns the sorted function names of a snapshot.
func FunctionNames(snapshot *domain.ConfigSnapshot) []string {
	names := make([]string, 0, len(snapshot.Functions))
	for name := range snapshot.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
