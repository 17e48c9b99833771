package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/ember/internal/metrics"
	"github.com/davidbz/ember/internal/observability"
)

// VariantRunner invokes one candidate. A nil error ends the fallback loop.
type VariantRunner func(ctx context.Context, candidate VariantCandidate) error

// VariantRun is the outcome of a successful fallback loop.
type VariantRun struct {
	Candidate VariantCandidate
	Failed    []VariantAttempt
}

// FallbackEngine draws candidate variants without replacement until one succeeds.
type FallbackEngine struct {
	maxDuration time.Duration
}

// NewFallbackEngine creates a fallback engine. A positive maxDuration stops
// new draws once the loop has run that long.
func NewFallbackEngine(maxDuration time.Duration) *FallbackEngine {
	return &FallbackEngine{maxDuration: maxDuration}
}

// SelectAndRun runs candidates until one succeeds. Each candidate is tried at
// most once. Provider failures move on to the next draw; policy denials,
// guardrail outages and context cancellation end the loop immediately.
func (f *FallbackEngine) SelectAndRun(
	ctx context.Context,
	functionName string,
	episodeID uuid.UUID,
	candidates []VariantCandidate,
	run VariantRunner,
) (*VariantRun, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFunctionVariants, functionName)
	}
	if run == nil {
		return nil, errors.New("variant runner cannot be nil")
	}

	logger := observability.FromContext(ctx)

	pool := make([]VariantCandidate, len(candidates))
	copy(pool, candidates)

	u := SamplingValue(functionName, episodeID)
	start := time.Now()
	failed := &AllVariantsFailedError{
		Function: functionName,
		Errors:   make(map[string]error, len(candidates)),
	}

	for len(pool) > 0 {
		if f.maxDuration > 0 && len(failed.Attempts) > 0 && time.Since(start) > f.maxDuration {
			logger.Warn("fallback budget exhausted",
				observability.String("function", functionName),
				observability.Duration("elapsed", time.Since(start)),
				observability.Int("remaining_candidates", len(pool)))
			break
		}

		idx := drawCandidate(pool, u)
		candidate := pool[idx]
		pool = append(pool[:idx], pool[idx+1:]...)

		err := run(observability.WithVariant(ctx, candidate.Name), candidate)
		metrics.VariantAttemptsTotal.WithLabelValues(functionName, candidate.Name, metrics.Outcome(err)).Inc()
		if err == nil {
			return &VariantRun{Candidate: candidate, Failed: failed.Attempts}, nil
		}

		if IsTerminal(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("inference cancelled: %w", ctxErr)
		}

		logger.Warn("variant failed, trying next candidate",
			observability.String("function", functionName),
			observability.String("variant", candidate.Name),
			observability.Int("remaining_candidates", len(pool)),
			observability.Error(err))

		failed.Attempts = append(failed.Attempts, VariantAttempt{Variant: candidate.Name, Err: err})
		failed.Errors[candidate.Name] = err
	}

	return nil, failed
}
