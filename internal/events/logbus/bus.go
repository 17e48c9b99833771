package logbus

import (
	"context"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

// EventBus implements domain.EventPublisher by logging each event.
type EventBus struct{}

var _ domain.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Publish logs the event with its fields.
func (e *EventBus) Publish(ctx context.Context, event *domain.InferenceEvent) error {
	observability.FromContext(ctx).Info(string(event.Type),
		observability.String("function_name", event.FunctionName),
		observability.String("variant_name", event.VariantName),
		observability.String("modality", string(event.Modality)),
		observability.String("project_id", event.ProjectID),
		observability.String("user_id", event.UserID),
		observability.Int("input_tokens", event.InputTokens),
		observability.Int("output_tokens", event.OutputTokens),
		observability.Float64("cost", event.Cost),
		observability.Int64("processing_ms", event.ProcessingMs),
		observability.Int("status_code", event.StatusCode),
		observability.Bool("cached", event.Cached),
		observability.String("error", event.Error),
	)
	return nil
}
