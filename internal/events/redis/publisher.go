package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/ember/internal/domain"
)

// Publisher appends inference events to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new Redis stream publisher. A maxLen of zero keeps
// the stream unbounded; otherwise it is trimmed approximately.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish adds the event to the stream.
func (p *Publisher) Publish(ctx context.Context, event *domain.InferenceEvent) error {
	values, err := Values(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", p.stream, err)
	}
	return nil
}

// Values returns the stream entry fields for event.
func Values(event *domain.InferenceEvent) (map[string]any, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return map[string]any{
		"type":         string(event.Type),
		"inference_id": event.InferenceID.String(),
		"payload":      string(payload),
	}, nil
}
