package logbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/events/logbus"
	"github.com/davidbz/ember/internal/observability"
)

func TestEventBus_Publish(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	observability.SetLogger(zap.New(core))
	t.Cleanup(func() { observability.SetLogger(zap.NewNop()) })

	ctx := observability.WithRequestID(context.Background(), "req-1")
	err := logbus.NewEventBus().Publish(ctx, &domain.InferenceEvent{
		Type:         domain.EventInferenceBlocked,
		FunctionName: "chat",
		StatusCode:   403,
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("inference.blocked").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "chat", fields["function_name"])
	require.Equal(t, int64(403), fields["status_code"])
	require.Equal(t, "req-1", fields["request_id"])
}
