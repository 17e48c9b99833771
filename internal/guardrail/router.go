// Package guardrail provides the scanners behind guard profiles and a router
// that dispatches each scan to the scanner named by the profile's provider.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

// Router implements domain.GuardrailScanner by profile provider.
type Router struct {
	mu       sync.RWMutex
	scanners map[string]domain.GuardrailScanner
}

var _ domain.GuardrailScanner = (*Router)(nil)

// NewRouter creates an empty scanner router.
func NewRouter() *Router {
	return &Router{
		scanners: make(map[string]domain.GuardrailScanner),
	}
}

// Register binds a scanner to a profile provider name.
func (r *Router) Register(name string, scanner domain.GuardrailScanner) error {
	if name == "" {
		return errors.New("scanner name cannot be empty")
	}
	if scanner == nil {
		return errors.New("scanner cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scanners[name]; exists {
		return fmt.Errorf("scanner %s already registered", name)
	}
	r.scanners[name] = scanner
	return nil
}

// Names returns the registered scanner names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scanners))
	for name := range r.scanners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Scan forwards the scan to the profile's scanner.
func (r *Router) Scan(ctx context.Context, in domain.GuardrailScanInput) (*domain.GuardrailVerdict, error) {
	if in.Profile == nil {
		return nil, errors.New("guard profile is required")
	}

	r.mu.RLock()
	scanner, ok := r.scanners[in.Profile.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no guardrail scanner %q for profile %s",
			domain.ErrUnknownProvider, in.Profile.Provider, in.Profile.Name)
	}

	verdict, err := scanner.Scan(ctx, in)
	if err != nil {
		return nil, err
	}

	if verdict.Flagged {
		observability.FromContext(ctx).Info("guardrail flagged content",
			observability.String("profile", in.Profile.Name),
			observability.String("guard_type", string(in.GuardType)),
			observability.String("scan_mode", string(in.Mode)),
			observability.Int("window_index", in.WindowIndex),
		)
	}
	return verdict, nil
}
