package domain

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InferenceRequest represents a unified inference request.
// Exactly one of FunctionName and ModelName is set.
type InferenceRequest struct {
	FunctionName            string            `json:"function_name,omitempty"`
	ModelName               string            `json:"model_name,omitempty"`
	EpisodeID               *uuid.UUID        `json:"episode_id,omitempty"`
	Input                   Input             `json:"input"`
	Stream                  bool              `json:"stream,omitempty"`
	VariantName             string            `json:"variant_name,omitempty"`
	Params                  InferenceParams   `json:"params"`
	Tags                    map[string]string `json:"tags,omitempty"`
	Dryrun                  bool              `json:"dryrun,omitempty"`
	CachePolicy             CachePolicy       `json:"cache_options"`
	Credentials             map[string]string `json:"credentials,omitempty"`
	IncludeOriginalResponse bool              `json:"include_original_response,omitempty"`
	ExtraBody               map[string]any    `json:"extra_body,omitempty"`
	ExtraHeaders            map[string]string `json:"extra_headers,omitempty"`

	// Filled in by the transport layer, never decoded from the body.
	Client   ClientInfo            `json:"-"`
	Metadata ObservabilityMetadata `json:"-"`
	RawBody  string                `json:"-"`
}

// Validate checks the target invariants of the request.
func (r *InferenceRequest) Validate() error {
	switch {
	case r.FunctionName == "" && r.ModelName == "":
		return fmt.Errorf("%w: one of function_name or model_name is required", ErrInvalidRequest)
	case r.FunctionName != "" && r.ModelName != "":
		return fmt.Errorf("%w: function_name and model_name are mutually exclusive", ErrInvalidRequest)
	case r.VariantName != "" && r.FunctionName == "":
		return fmt.Errorf("%w: variant_name requires function_name", ErrInvalidRequest)
	}
	return nil
}

// Input is the resolved model input. Chat-like modalities use System and
// Messages; embedding, moderation, speech and image generation use Texts;
// audio transcription and translation use File.
type Input struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Texts    []string  `json:"texts,omitempty"`
	File     *File     `json:"file,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Files      []File     `json:"files,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// File is binary content attached to an input or produced by a model.
// Data is base64 encoded.
type File struct {
	MimeType    string `json:"mime_type"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// Bytes decodes the inline file content.
func (f File) Bytes() ([]byte, error) {
	if f.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file data: %w", err)
	}
	return data, nil
}

// ToolCall is a complete tool invocation emitted by a model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallChunk is a partial tool invocation emitted while streaming.
type ToolCallChunk struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// InferenceParams are sampling parameters forwarded to the model.
type InferenceParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// Merge returns p with unset fields taken from defaults.
func (p InferenceParams) Merge(defaults InferenceParams) InferenceParams {
	if p.Temperature == nil {
		p.Temperature = defaults.Temperature
	}
	if p.MaxTokens == nil {
		p.MaxTokens = defaults.MaxTokens
	}
	if p.Seed == nil {
		p.Seed = defaults.Seed
	}
	return p
}

// ClientInfo describes the caller for admission control.
type ClientInfo struct {
	IP        string
	Country   string
	UserAgent string
	Path      string
	Method    string
}

// ObservabilityMetadata carries the billing/ownership ids of a request.
type ObservabilityMetadata struct {
	ProjectID  string `json:"project_id,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	APIKeyID   string `json:"api_key_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// InferenceIdentity is the correlation key shared by every artifact of one request.
type InferenceIdentity struct {
	InferenceID uuid.UUID `json:"inference_id"`
	EpisodeID   uuid.UUID `json:"episode_id"`
}

// NewIdentity mints an inference id and, when episodeID is nil, an episode id.
func NewIdentity(episodeID *uuid.UUID) (InferenceIdentity, error) {
	inferenceID, err := uuid.NewV7()
	if err != nil {
		return InferenceIdentity{}, fmt.Errorf("failed to generate inference id: %w", err)
	}

	identity := InferenceIdentity{InferenceID: inferenceID, EpisodeID: inferenceID}
	if episodeID != nil && *episodeID != uuid.Nil {
		identity.EpisodeID = *episodeID
		return identity, nil
	}

	episode, err := uuid.NewV7()
	if err != nil {
		return InferenceIdentity{}, fmt.Errorf("failed to generate episode id: %w", err)
	}
	identity.EpisodeID = episode
	return identity, nil
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// FinishReason explains why a model stopped producing output.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCall      FinishReason = "tool_call"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

// StreamChunk represents a single streaming response chunk.
// A chunk with Done set is the synthetic completion marker; a chunk with
// Error set is terminal.
type StreamChunk struct {
	InferenceID  uuid.UUID       `json:"inference_id"`
	EpisodeID    uuid.UUID       `json:"episode_id"`
	VariantName  string          `json:"variant_name,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallChunk `json:"tool_calls,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	Raw          string          `json:"-"`
	Done         bool            `json:"-"`
	Error        error           `json:"-"`
}

// ModelRequest is the normalized request handed to a provider adapter.
type ModelRequest struct {
	InferenceID  uuid.UUID
	Modality     Modality
	Model        string
	System       string
	Messages     []Message
	Texts        []string
	File         *File
	Params       InferenceParams
	JSONMode     bool
	Stream       bool
	Credentials  map[string]string
	ExtraBody    map[string]any
	ExtraHeaders map[string]string
}

// ModelResponse is the normalized result returned by a provider adapter.
type ModelResponse struct {
	ID           string              `json:"id"`
	Content      string              `json:"content,omitempty"`
	ToolCalls    []ToolCall          `json:"tool_calls,omitempty"`
	Embeddings   [][]float64         `json:"embeddings,omitempty"`
	Moderation   []ModerationVerdict `json:"moderation,omitempty"`
	Files        []File              `json:"files,omitempty"`
	Usage        Usage               `json:"usage"`
	FinishReason FinishReason        `json:"finish_reason,omitempty"`
	RawRequest   string              `json:"raw_request"`
	RawResponse  string              `json:"raw_response"`
	Cached       bool                `json:"-"`
}

// ModelStream is a live provider stream. Chunks is single-consumer and is
// closed by the provider when the upstream response ends.
type ModelStream struct {
	Chunks     <-chan StreamChunk
	RawRequest string
}

// ModerationVerdict is the per-input result of a moderation call.
type ModerationVerdict struct {
	Flagged        bool               `json:"flagged"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// ModelInferenceRecord describes one call to one model provider.
type ModelInferenceRecord struct {
	ID           uuid.UUID      `json:"id"`
	InferenceID  uuid.UUID      `json:"inference_id"`
	ModelName    string         `json:"model_name"`
	ProviderName string         `json:"model_provider_name"`
	RawRequest   string         `json:"raw_request"`
	RawResponse  string         `json:"raw_response"`
	Usage        Usage          `json:"usage"`
	ResponseTime time.Duration  `json:"response_time"`
	TTFT         *time.Duration `json:"ttft,omitempty"`
	Cached       bool           `json:"cached"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
}
