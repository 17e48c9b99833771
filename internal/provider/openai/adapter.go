// Package openai provides an adapter for the OpenAI API using the official SDK.
// It implements the domain.Provider interface and converts between domain and
// SDK types for chat, json, embedding and moderation calls.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

const providerName = "openai"

// credentialAPIKey is the per-request credential that overrides the configured key.
const credentialAPIKey = "api_key"

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client openai.Client
	name   string
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config, extra ...option.RequestOption) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	return &Provider{
		client: openai.NewClient(append(ClientOptions(config), extra...)...),
		name:   providerName,
	}, nil
}

// ClientOptions maps config to SDK client options.
func ClientOptions(config Config) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	return opts
}

// Complete sends a buffered request for any supported modality.
func (p *Provider) Complete(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API", observability.String("modality", string(req.Modality)))

	var (
		resp *domain.ModelResponse
		err  error
	)
	switch req.Modality {
	case domain.ModalityChat, domain.ModalityJSON:
		resp, err = p.chat(ctx, req)
	case domain.ModalityEmbedding:
		resp, err = p.embed(ctx, req)
	case domain.ModalityModeration:
		resp, err = p.moderate(ctx, req)
	default:
		return nil, fmt.Errorf("%w: openai adapter does not serve %s", domain.ErrUnsupportedModality, req.Modality)
	}
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return nil, p.wrapError(req.Model, err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int("input_tokens", resp.Usage.InputTokens),
		observability.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func (p *Provider) chat(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	params := toChatParams(req)

	completion, err := p.client.Chat.Completions.New(ctx, params, requestOptions(req)...)
	if err != nil {
		return nil, err
	}

	resp := &domain.ModelResponse{
		ID:          completion.ID,
		RawRequest:  rawJSON(params),
		RawResponse: completion.RawJSON(),
		Usage: domain.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		resp.Content = choice.Message.Content
		resp.FinishReason = toFinishReason(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return resp, nil
}

func (p *Provider) embed(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	if len(req.Texts) == 0 {
		return nil, fmt.Errorf("%w: embedding input is empty", domain.ErrInvalidRequest)
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Texts,
		},
		Model: openai.EmbeddingModel(req.Model),
	}

	result, err := p.client.Embeddings.New(ctx, params, requestOptions(req)...)
	if err != nil {
		return nil, err
	}

	resp := &domain.ModelResponse{
		RawRequest:   rawJSON(params),
		RawResponse:  result.RawJSON(),
		FinishReason: domain.FinishReasonStop,
		Usage:        domain.Usage{InputTokens: int(result.Usage.PromptTokens)},
	}
	for _, d := range result.Data {
		resp.Embeddings = append(resp.Embeddings, d.Embedding)
	}
	return resp, nil
}

func (p *Provider) moderate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	verdicts, raw, err := Moderate(ctx, p.client, req.Model, req.Texts, requestOptions(req)...)
	if err != nil {
		return nil, err
	}
	return &domain.ModelResponse{
		Moderation:   verdicts,
		RawResponse:  raw,
		FinishReason: domain.FinishReasonStop,
	}, nil
}

// Moderate scores texts with the moderation endpoint. It is shared with the
// moderation guardrail scanner.
func Moderate(
	ctx context.Context,
	client openai.Client,
	model string,
	texts []string,
	opts ...option.RequestOption,
) ([]domain.ModerationVerdict, string, error) {
	if len(texts) == 0 {
		return nil, "", fmt.Errorf("%w: moderation input is empty", domain.ErrInvalidRequest)
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	params := openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{
			OfStringArray: texts,
		},
	}
	if model != "" {
		params.Model = openai.ModerationModel(model)
	}

	result, err := client.Moderations.New(ctx, params, opts...)
	if err != nil {
		return nil, "", err
	}

	verdicts := make([]domain.ModerationVerdict, 0, len(result.Results))
	for _, r := range result.Results {
		scores := map[string]float64{}
		if raw := r.CategoryScores.RawJSON(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &scores); err != nil {
				return nil, "", fmt.Errorf("failed to decode category scores: %w", err)
			}
		}
		verdicts = append(verdicts, domain.ModerationVerdict{
			Flagged:        r.Flagged,
			CategoryScores: scores,
		})
	}
	return verdicts, result.RawJSON(), nil
}

// Stream opens a chat completion stream. The final chunk carries usage.
func (p *Provider) Stream(ctx context.Context, req *domain.ModelRequest) (*domain.ModelStream, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if !req.Modality.Streamable() {
		return nil, fmt.Errorf("%w: cannot stream %s", domain.ErrUnsupportedModality, req.Modality)
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI streaming API")

	params := toChatParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, requestOptions(req)...)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)
		defer stream.Close()
		defer logger.Debug("OpenAI stream completed")

		send := func(chunk domain.StreamChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			if !send(toStreamChunk(stream.Current())) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(domain.StreamChunk{Error: p.wrapError(req.Model, err)})
		}
	}()

	return &domain.ModelStream{Chunks: chunks, RawRequest: rawJSON(params)}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) wrapError(model string, err error) error {
	providerErr := &domain.ProviderError{Provider: p.name, Model: model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		providerErr.StatusCode = apiErr.StatusCode
	}
	return providerErr
}

// toChatParams converts a domain request to SDK ChatCompletionNewParams.
func toChatParams(req *domain.ModelRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case domain.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Params.Temperature != nil {
		params.Temperature = openai.Float(*req.Params.Temperature)
	}
	if req.Params.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.Params.MaxTokens))
	}
	if req.Params.Seed != nil {
		params.Seed = openai.Int(int64(*req.Params.Seed))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	return params
}

func toStreamChunk(chunk openai.ChatCompletionChunk) domain.StreamChunk {
	out := domain.StreamChunk{Raw: chunk.RawJSON()}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		out.Content = choice.Delta.Content
		out.FinishReason = toFinishReason(choice.FinishReason)
		for _, tc := range choice.Delta.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, domain.ToolCallChunk{
				Index:          int(tc.Index),
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
	}

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		out.Usage = &domain.Usage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	return out
}

func toFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "":
		return ""
	case "stop":
		return domain.FinishReasonStop
	case "length":
		return domain.FinishReasonLength
	case "tool_calls", "function_call":
		return domain.FinishReasonToolCall
	case "content_filter":
		return domain.FinishReasonContentFilter
	default:
		return domain.FinishReasonUnknown
	}
}

// requestOptions applies per-request credentials, headers and body overrides.
func requestOptions(req *domain.ModelRequest) []option.RequestOption {
	var opts []option.RequestOption
	if key := req.Credentials[credentialAPIKey]; key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	for name, value := range req.ExtraHeaders {
		opts = append(opts, option.WithHeader(name, value))
	}
	for key, value := range req.ExtraBody {
		opts = append(opts, option.WithJSONSet(key, value))
	}
	return opts
}

func rawJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
