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

// Dispatcher executes a model request against the providers bound to a model,
// in their configured order, in either buffered or streaming mode.
type Dispatcher struct {
	registry ProviderRegistry
	cache    ModelCache
}

// NewDispatcher creates a dispatcher (DI constructor). cache may be nil.
func NewDispatcher(registry ProviderRegistry, cache ModelCache) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    cache,
	}
}

// DispatchResult is a completed buffered model call.
type DispatchResult struct {
	Response *ModelResponse
	Record   ModelInferenceRecord
	Latency  time.Duration
}

// DispatchStream is a validated live stream: its first chunk has already
// arrived without error.
type DispatchStream struct {
	Chunks     <-chan StreamChunk
	Provider   string
	ModelName  string
	RawRequest string
	Start      time.Time
	TTFT       time.Duration
}

// Complete runs a buffered call, honouring the cache policy.
func (d *Dispatcher) Complete(
	ctx context.Context,
	model *ModelConfig,
	req *ModelRequest,
	policy CachePolicy,
) (*DispatchResult, error) {
	if model == nil || req == nil {
		return nil, errors.New("model and request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	exhausted := &ProvidersExhaustedError{Model: model.Name}

	for _, binding := range model.Routing {
		pctx := observability.WithProvider(ctx, binding.Provider)
		start := time.Now()

		provider, err := d.registry.Get(pctx, binding.Provider)
		if err != nil {
			exhausted.Errors = append(exhausted.Errors, toProviderError(binding, err))
			continue
		}

		call := *req
		call.Model = binding.ModelName
		cacheKey := ""
		if d.cache != nil && (policy.Reads() || policy.Writes()) {
			cacheKey = CacheKey(binding.Provider, &call)
		}

		if cacheKey != "" && policy.Reads() {
			cached, cacheErr := d.cache.Get(pctx, cacheKey, policy.MaxAge())
			switch {
			case cacheErr == nil && cached != nil:
				metrics.ProviderCallsTotal.WithLabelValues(binding.Provider, binding.ModelName, "cache_hit").Inc()
				logger.Info("model cache hit",
					observability.String("provider", binding.Provider),
					observability.String("model", binding.ModelName))

				cached.Cached = true
				cached.Usage = Usage{}
				return d.result(req.InferenceID, model, binding, cached, time.Since(start)), nil
			case cacheErr != nil && !errors.Is(cacheErr, ErrCacheMiss):
				logger.Warn("cache get failed, continuing without cache", observability.Error(cacheErr))
			}
		}

		resp, err := provider.Complete(pctx, &call)
		metrics.ProviderCallsTotal.WithLabelValues(binding.Provider, binding.ModelName, metrics.Outcome(err)).Inc()
		if err != nil {
			logger.Warn("provider call failed",
				observability.String("provider", binding.Provider),
				observability.String("model", binding.ModelName),
				observability.Error(err))
			exhausted.Errors = append(exhausted.Errors, toProviderError(binding, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if cacheKey != "" && policy.Writes() {
			if setErr := d.cache.Set(pctx, cacheKey, resp); setErr != nil {
				logger.Warn("failed to store in cache", observability.Error(setErr))
			}
		}

		return d.result(req.InferenceID, model, binding, resp, time.Since(start)), nil
	}

	if len(exhausted.Errors) == 0 {
		return nil, fmt.Errorf("%w: model %s has no provider routing", ErrUnknownProvider, model.Name)
	}
	return nil, exhausted
}

// Stream opens a stream and waits for its first chunk. A provider that fails
// before producing one counts as a failed binding and the next one is tried.
func (d *Dispatcher) Stream(
	ctx context.Context,
	model *ModelConfig,
	req *ModelRequest,
) (*DispatchStream, error) {
	if model == nil || req == nil {
		return nil, errors.New("model and request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	exhausted := &ProvidersExhaustedError{Model: model.Name}

	for _, binding := range model.Routing {
		pctx := observability.WithProvider(ctx, binding.Provider)

		stream, err := d.openStream(pctx, binding, req)
		metrics.ProviderCallsTotal.WithLabelValues(binding.Provider, binding.ModelName, metrics.Outcome(err)).Inc()
		if err != nil {
			logger.Warn("provider stream failed before first chunk",
				observability.String("provider", binding.Provider),
				observability.String("model", binding.ModelName),
				observability.Error(err))
			exhausted.Errors = append(exhausted.Errors, toProviderError(binding, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return stream, nil
	}

	if len(exhausted.Errors) == 0 {
		return nil, fmt.Errorf("%w: model %s has no provider routing", ErrUnknownProvider, model.Name)
	}
	return nil, exhausted
}

func (d *Dispatcher) openStream(
	ctx context.Context,
	binding ProviderBinding,
	req *ModelRequest,
) (*DispatchStream, error) {
	provider, err := d.registry.Get(ctx, binding.Provider)
	if err != nil {
		return nil, err
	}

	call := *req
	call.Model = binding.ModelName
	call.Stream = true

	start := time.Now()
	upstream, err := provider.Stream(ctx, &call)
	if err != nil {
		return nil, err
	}

	var first StreamChunk
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-upstream.Chunks:
		if !ok {
			return nil, errors.New("stream ended before the first chunk")
		}
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		first = chunk
	}
	ttft := time.Since(start)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		first.InferenceID = req.InferenceID
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}

		for chunk := range upstream.Chunks {
			chunk.InferenceID = req.InferenceID
			if chunk.Error != nil {
				chunk.Error = toProviderError(binding, chunk.Error)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &DispatchStream{
		Chunks:     out,
		Provider:   binding.Provider,
		ModelName:  binding.ModelName,
		RawRequest: upstream.RawRequest,
		Start:      start,
		TTFT:       ttft,
	}, nil
}

func (d *Dispatcher) result(
	inferenceID uuid.UUID,
	model *ModelConfig,
	binding ProviderBinding,
	resp *ModelResponse,
	latency time.Duration,
) *DispatchResult {
	return &DispatchResult{
		Response: resp,
		Latency:  latency,
		Record: ModelInferenceRecord{
			ID:           newRecordID(),
			InferenceID:  inferenceID,
			ModelName:    model.Name,
			ProviderName: binding.Provider,
			RawRequest:   resp.RawRequest,
			RawResponse:  resp.RawResponse,
			Usage:        resp.Usage,
			ResponseTime: latency,
			Cached:       resp.Cached,
			FinishReason: resp.FinishReason,
		},
	}
}

func toProviderError(binding ProviderBinding, err error) error {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	return &ProviderError{Provider: binding.Provider, Model: binding.ModelName, Err: err}
}

func newRecordID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
