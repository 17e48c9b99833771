package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Modality is the kind of work a function performs.
type Modality string

const (
	ModalityChat               Modality = "chat"
	ModalityJSON               Modality = "json"
	ModalityEmbedding          Modality = "embedding"
	ModalityAudioTranscription Modality = "audio_transcription"
	ModalityAudioTranslation   Modality = "audio_translation"
	ModalitySpeech             Modality = "text_to_speech"
	ModalityImageGeneration    Modality = "image_generation"
	ModalityModeration         Modality = "moderation"
)

// Modalities lists every supported modality.
var Modalities = []Modality{
	ModalityChat,
	ModalityJSON,
	ModalityEmbedding,
	ModalityAudioTranscription,
	ModalityAudioTranslation,
	ModalitySpeech,
	ModalityImageGeneration,
	ModalityModeration,
}

// TableName returns the columnar table holding results of this modality.
func (m Modality) TableName() string {
	switch m {
	case ModalityChat:
		return "chat_inference"
	case ModalityJSON:
		return "json_inference"
	case ModalityEmbedding:
		return "embedding_inference"
	case ModalityAudioTranscription:
		return "audio_transcription_inference"
	case ModalityAudioTranslation:
		return "audio_translation_inference"
	case ModalitySpeech:
		return "speech_inference"
	case ModalityImageGeneration:
		return "image_generation_inference"
	case ModalityModeration:
		return "moderation_inference"
	default:
		return ""
	}
}

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m.TableName() != ""
}

// Streamable reports whether results of this modality may be streamed.
func (m Modality) Streamable() bool {
	return m == ModalityChat || m == ModalityJSON
}

// ResultBase holds the fields every modality shares.
type ResultBase struct {
	InferenceID      uuid.UUID              `json:"inference_id"`
	EpisodeID        uuid.UUID              `json:"episode_id"`
	VariantName      string                 `json:"variant_name"`
	Usage            Usage                  `json:"usage"`
	ModelInferences  []ModelInferenceRecord `json:"-"`
	OriginalResponse *string                `json:"original_response,omitempty"`
	FinishReason     FinishReason           `json:"finish_reason,omitempty"`
}

// ExecutionResult is the closed union of per-modality results.
type ExecutionResult interface {
	Modality() Modality
	Common() *ResultBase
}

// ChatResult is the result of a chat function.
type ChatResult struct {
	ResultBase
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// JSONResult is the result of a json function.
type JSONResult struct {
	ResultBase
	Raw    string `json:"raw"`
	Parsed any    `json:"parsed,omitempty"`
}

// EmbeddingResult is the result of an embedding function.
type EmbeddingResult struct {
	ResultBase
	Embeddings [][]float64 `json:"embeddings"`
}

// AudioTranscriptionResult is the result of a transcription function.
type AudioTranscriptionResult struct {
	ResultBase
	Text string `json:"text"`
}

// AudioTranslationResult is the result of a translation function.
type AudioTranslationResult struct {
	ResultBase
	Text string `json:"text"`
}

// SpeechResult is the result of a text-to-speech function.
type SpeechResult struct {
	ResultBase
	Audio File `json:"audio"`
}

// ImageGenerationResult is the result of an image generation function.
type ImageGenerationResult struct {
	ResultBase
	Images []File `json:"images"`
}

// ModerationResult is the result of a moderation function.
type ModerationResult struct {
	ResultBase
	Results []ModerationVerdict `json:"results"`
}

func (*ChatResult) Modality() Modality               { return ModalityChat }
func (*JSONResult) Modality() Modality               { return ModalityJSON }
func (*EmbeddingResult) Modality() Modality          { return ModalityEmbedding }
func (*AudioTranscriptionResult) Modality() Modality { return ModalityAudioTranscription }
func (*AudioTranslationResult) Modality() Modality   { return ModalityAudioTranslation }
func (*SpeechResult) Modality() Modality             { return ModalitySpeech }
func (*ImageGenerationResult) Modality() Modality    { return ModalityImageGeneration }
func (*ModerationResult) Modality() Modality         { return ModalityModeration }

func (r *ResultBase) Common() *ResultBase { return r }

// BuildResult wraps a provider response into the result type of modality.
func BuildResult(modality Modality, base ResultBase, resp *ModelResponse) (ExecutionResult, error) {
	base.Usage = resp.Usage
	base.FinishReason = resp.FinishReason
	if resp.RawResponse != "" {
		raw := resp.RawResponse
		base.OriginalResponse = &raw
	}

	switch modality {
	case ModalityChat:
		return &ChatResult{ResultBase: base, Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
	case ModalityJSON:
		return &JSONResult{ResultBase: base, Raw: resp.Content, Parsed: parseJSON(resp.Content)}, nil
	case ModalityEmbedding:
		return &EmbeddingResult{ResultBase: base, Embeddings: resp.Embeddings}, nil
	case ModalityAudioTranscription:
		return &AudioTranscriptionResult{ResultBase: base, Text: resp.Content}, nil
	case ModalityAudioTranslation:
		return &AudioTranslationResult{ResultBase: base, Text: resp.Content}, nil
	case ModalitySpeech:
		if len(resp.Files) == 0 {
			return nil, fmt.Errorf("speech response carries no audio: %w", ErrUnsupportedModality)
		}
		return &SpeechResult{ResultBase: base, Audio: resp.Files[0]}, nil
	case ModalityImageGeneration:
		return &ImageGenerationResult{ResultBase: base, Images: resp.Files}, nil
	case ModalityModeration:
		return &ModerationResult{ResultBase: base, Results: resp.Moderation}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModality, modality)
	}
}

// OutputText returns the text an output guardrail scans and a token counter bills.
func OutputText(result ExecutionResult) string {
	switch r := result.(type) {
	case *ChatResult:
		return r.Content
	case *JSONResult:
		return r.Raw
	case *AudioTranscriptionResult:
		return r.Text
	case *AudioTranslationResult:
		return r.Text
	default:
		return ""
	}
}

// OutputFiles returns the binary artifacts produced by result.
func OutputFiles(result ExecutionResult) []File {
	switch r := result.(type) {
	case *SpeechResult:
		return []File{r.Audio}
	case *ImageGenerationResult:
		return r.Images
	default:
		return nil
	}
}

// MapOutputFiles returns a copy of result with every output file replaced by fn(file).
// Results without output files are returned unchanged.
func MapOutputFiles(result ExecutionResult, fn func(File) File) ExecutionResult {
	switch r := result.(type) {
	case *SpeechResult:
		clone := *r
		clone.Audio = fn(r.Audio)
		return &clone
	case *ImageGenerationResult:
		clone := *r
		clone.Images = make([]File, len(r.Images))
		for i, img := range r.Images {
			clone.Images[i] = fn(img)
		}
		return &clone
	default:
		return result
	}
}

// InferenceResponse is the client-facing body of a buffered inference.
type InferenceResponse struct {
	InferenceID      uuid.UUID `json:"inference_id"`
	EpisodeID        uuid.UUID `json:"episode_id"`
	VariantName      string    `json:"variant_name"`
	Modality         Modality  `json:"type"`
	Output           any       `json:"output"`
	Usage            Usage     `json:"usage"`
	Cost             float64   `json:"cost"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	OriginalResponse *string   `json:"original_response,omitempty"`
}

// NewInferenceResponse builds the client-facing body for result.
func NewInferenceResponse(result ExecutionResult) *InferenceResponse {
	base := result.Common()
	resp := &InferenceResponse{
		InferenceID:      base.InferenceID,
		EpisodeID:        base.EpisodeID,
		VariantName:      base.VariantName,
		Modality:         result.Modality(),
		Usage:            base.Usage,
		FinishReason:     string(base.FinishReason),
		OriginalResponse: base.OriginalResponse,
	}

	switch r := result.(type) {
	case *ChatResult:
		resp.Output = map[string]any{"content": r.Content, "tool_calls": r.ToolCalls}
	case *JSONResult:
		resp.Output = map[string]any{"raw": r.Raw, "parsed": r.Parsed}
	case *EmbeddingResult:
		resp.Output = map[string]any{"embeddings": r.Embeddings}
	case *AudioTranscriptionResult:
		resp.Output = map[string]any{"text": r.Text}
	case *AudioTranslationResult:
		resp.Output = map[string]any{"text": r.Text}
	case *SpeechResult:
		resp.Output = map[string]any{"audio": r.Audio}
	case *ImageGenerationResult:
		resp.Output = map[string]any{"images": r.Images}
	case *ModerationResult:
		resp.Output = map[string]any{"results": r.Results}
	}
	return resp
}

// ResultFromText builds a result from assembled streamed output.
func ResultFromText(modality Modality, base ResultBase, text string, toolCalls []ToolCall) ExecutionResult {
	if modality == ModalityJSON {
		return &JSONResult{ResultBase: base, Raw: text, Parsed: parseJSON(text)}
	}
	return &ChatResult{ResultBase: base, Content: text, ToolCalls: toolCalls}
}

// EmptyResult returns a result with no output, used to record blocked and failed requests.
func EmptyResult(modality Modality, base ResultBase) ExecutionResult {
	switch modality {
	case ModalityJSON:
		return &JSONResult{ResultBase: base}
	case ModalityEmbedding:
		return &EmbeddingResult{ResultBase: base}
	case ModalityAudioTranscription:
		return &AudioTranscriptionResult{ResultBase: base}
	case ModalityAudioTranslation:
		return &AudioTranslationResult{ResultBase: base}
	case ModalitySpeech:
		return &SpeechResult{ResultBase: base}
	case ModalityImageGeneration:
		return &ImageGenerationResult{ResultBase: base}
	case ModalityModeration:
		return &ModerationResult{ResultBase: base}
	default:
		return &ChatResult{ResultBase: base}
	}
}

func parseJSON(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return nil
	}
	return parsed
}
