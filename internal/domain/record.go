package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the terminal outcome of a request.
type RecordStatus string

const (
	StatusSucceeded RecordStatus = "succeeded"
	StatusBlocked   RecordStatus = "blocked"
	StatusFailed    RecordStatus = "failed"
)

// ObservabilityWriteRecord is everything persisted about one terminal outcome.
// It is built once and handed to a RecordWriter exactly once.
type ObservabilityWriteRecord struct {
	Identity        InferenceIdentity
	FunctionName    string
	VariantName     string
	Modality        Modality
	Input           Input
	Result          ExecutionResult
	Tags            map[string]string
	ProcessingTime  time.Duration
	Metadata        ObservabilityMetadata
	GatewayRequest  string
	GatewayResponse string
	Pricing         *PricingConfig
	Guardrail       []GuardrailScanRecord
	Status          RecordStatus
	Error           string
	StatusCode      int
	Params          InferenceParams
	ExtraBody       map[string]any
	CreatedAt       time.Time
}

// EventType classifies an inference event.
type EventType string

const (
	EventInferenceSucceeded EventType = "inference.succeeded"
	EventInferenceFailed    EventType = "inference.failed"
	EventInferenceBlocked   EventType = "inference.blocked"
)

// EventTypeFor maps a record status to its event type.
func EventTypeFor(status RecordStatus) EventType {
	switch status {
	case StatusBlocked:
		return EventInferenceBlocked
	case StatusFailed:
		return EventInferenceFailed
	default:
		return EventInferenceSucceeded
	}
}

// InferenceEvent is the structured event published for downstream analytics.
type InferenceEvent struct {
	Type         EventType `json:"type"`
	InferenceID  uuid.UUID `json:"inference_id"`
	EpisodeID    uuid.UUID `json:"episode_id"`
	FunctionName string    `json:"function_name"`
	VariantName  string    `json:"variant_name,omitempty"`
	Modality     Modality  `json:"modality"`
	ProjectID    string    `json:"project_id,omitempty"`
	EndpointID   string    `json:"endpoint_id,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	APIKeyID     string    `json:"api_key_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	ProcessingMs int64     `json:"processing_ms"`
	StatusCode   int       `json:"status_code"`
	Error        string    `json:"error,omitempty"`
	Cached       bool      `json:"cached"`
	Timestamp    time.Time `json:"timestamp"`
}
