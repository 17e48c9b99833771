// Package echo provides a provider that echoes back its input.
// It makes no external calls and answers deterministically, for local
// development and tests.
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

const (
	providerName = "echo"
	modelName    = "echo4"

	embeddingDimension = 8
)

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
	chunkDelay      time.Duration
}

// NewProvider creates a new echo provider serving models (echo4 when none given).
// Streams pause chunkDelay between words.
func NewProvider(chunkDelay time.Duration, models ...string) *Provider {
	if len(models) == 0 {
		models = []string{modelName}
	}
	supported := make(map[string]bool, len(models))
	for _, m := range models {
		supported[m] = true
	}
	return &Provider{
		name:            providerName,
		supportedModels: supported,
		chunkDelay:      chunkDelay,
	}
}

// Complete echoes the request for every text modality.
func (p *Provider) Complete(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request", observability.String("modality", string(req.Modality)))

	resp := &domain.ModelResponse{
		ID:           fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		FinishReason: domain.FinishReasonStop,
		RawRequest:   rawRequest(req),
	}

	switch req.Modality {
	case domain.ModalityChat:
		resp.Content = buildEchoContent(req.Messages)
	case domain.ModalityJSON:
		data, err := json.Marshal(map[string]string{"echo": buildEchoContent(req.Messages)})
		if err != nil {
			return nil, fmt.Errorf("failed to encode echo: %w", err)
		}
		resp.Content = string(data)
	case domain.ModalityEmbedding:
		for _, text := range req.Texts {
			resp.Embeddings = append(resp.Embeddings, embed(text))
		}
	case domain.ModalityModeration:
		for range req.Texts {
			resp.Moderation = append(resp.Moderation, domain.ModerationVerdict{CategoryScores: map[string]float64{}})
		}
	default:
		return nil, fmt.Errorf("%w: echo does not serve %s", domain.ErrUnsupportedModality, req.Modality)
	}

	input := countTokens(req.System) + countTokens(buildEchoContent(req.Messages)) + countTokens(strings.Join(req.Texts, " "))
	resp.Usage = domain.Usage{InputTokens: input, OutputTokens: countTokens(resp.Content)}
	resp.RawResponse = resp.Content

	logger.Debug("echo completed",
		observability.Int("input_tokens", resp.Usage.InputTokens),
		observability.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

// Stream echoes the messages word by word. The final chunk carries the
// finish reason and usage.
func (p *Provider) Stream(ctx context.Context, req *domain.ModelRequest) (*domain.ModelStream, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if !req.Modality.Streamable() {
		return nil, fmt.Errorf("%w: echo cannot stream %s", domain.ErrUnsupportedModality, req.Modality)
	}

	observability.FromContext(ctx).Debug("streaming echo request")

	echoContent := buildEchoContent(req.Messages)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		words := strings.Fields(echoContent)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}

			select {
			case <-ctx.Done():
				return
			case chunks <- domain.StreamChunk{Content: delta, Raw: delta}:
			}
			if p.chunkDelay > 0 {
				time.Sleep(p.chunkDelay)
			}
		}

		usage := domain.Usage{
			InputTokens:  countTokens(req.System) + countTokens(echoContent),
			OutputTokens: len(words),
		}
		select {
		case <-ctx.Done():
		case chunks <- domain.StreamChunk{FinishReason: domain.FinishReasonStop, Usage: &usage}:
		}
	}()

	return &domain.ModelStream{Chunks: chunks, RawRequest: rawRequest(req)}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) validate(req *domain.ModelRequest) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if !p.supportedModels[req.Model] {
		return &domain.ProviderError{
			Provider:   p.name,
			Model:      req.Model,
			StatusCode: 404,
			Err:        fmt.Errorf("model %s is not supported by echo provider", req.Model),
		}
	}
	return nil
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	var builder strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&builder, "[%s]: %s\n", msg.Role, msg.Content)
	}
	return builder.String()
}

// embed derives a unit-range vector from the text's hash.
func embed(text string) []float64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, embeddingDimension)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(seed>>11)/float64(1<<53)*2 - 1
	}
	return vec
}

func rawRequest(req *domain.ModelRequest) string {
	data, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"system":   req.System,
		"messages": req.Messages,
		"texts":    req.Texts,
	})
	if err != nil {
		return ""
	}
	return string(data)
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	return len(strings.Fields(content))
}
