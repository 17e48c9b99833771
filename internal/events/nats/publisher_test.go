package nats_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/events/nats"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		eventType domain.EventType
		expected  string
	}{
		{domain.EventInferenceSucceeded, "ember.events.inference.succeeded"},
		{domain.EventInferenceFailed, "ember.events.inference.failed"},
		{domain.EventInferenceBlocked, "ember.events.inference.blocked"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			require.Equal(t, tt.expected, nats.Subject("ember.events", tt.eventType))
		})
	}
}

func TestPublisher_Publish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	ctx := context.Background()
	publisher, err := nats.NewPublisher(ctx, nats.Config{
		URL:     url,
		Stream:  "EMBER_TEST",
		Subject: "ember.test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, publisher.Close()) })

	require.NoError(t, publisher.Publish(ctx, &domain.InferenceEvent{
		Type:        domain.EventInferenceSucceeded,
		InferenceID: uuid.New(),
	}))
}
