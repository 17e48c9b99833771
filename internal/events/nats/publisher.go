package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

// Config holds the JetStream publisher settings.
type Config struct {
	URL     string `env:"NATS_URL"     envDefault:"nats://127.0.0.1:4222"`
	Stream  string `env:"NATS_STREAM"  envDefault:"EMBER_INFERENCE"`
	Subject string `env:"NATS_SUBJECT" envDefault:"ember.inference"`
}

// Publisher publishes inference events to a JetStream stream.
// Each event goes to Subject.<event type>.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  Config
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher connects to NATS and makes sure the stream exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{conn: conn, js: js, cfg: cfg}
	if err := p.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	wildcard := p.cfg.Subject + ".>"

	info, err := p.js.StreamInfo(p.cfg.Stream, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:      p.cfg.Stream,
			Subjects:  []string{wildcard},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		observability.FromContext(ctx).Info("created NATS stream",
			observability.String("stream", p.cfg.Stream),
			observability.String("subject", wildcard))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if slices.Contains(info.Config.Subjects, wildcard) {
		return nil
	}

	updated := info.Config
	updated.Subjects = append(updated.Subjects, wildcard)
	if _, err := p.js.UpdateStream(&updated, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream subjects: %w", err)
	}
	return nil
}

// Publish sends the event and waits for the stream acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event *domain.InferenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(p.cfg.Subject, event.Type)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// Close drains pending acknowledgements and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// Subject returns the subject an event of type t is published to.
func Subject(base string, t domain.EventType) string {
	return base + "." + string(t)
}
