package echo_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/provider/echo"
)

func chatRequest(messages ...domain.Message) *domain.ModelRequest {
	return &domain.ModelRequest{Modality: domain.ModalityChat, Model: "echo4", Messages: messages}
}

func TestNewProvider(t *testing.T) {
	provider := echo.NewProvider(0)

	require.NotNil(t, provider)
	require.Equal(t, "echo", provider.Name())
}

func TestComplete_Success(t *testing.T) {
	provider := echo.NewProvider(0)

	resp, err := provider.Complete(context.Background(), chatRequest(
		domain.Message{Role: domain.RoleUser, Content: "Hello world"},
	))

	require.NoError(t, err)
	require.Equal(t, "[user]: Hello world\n", resp.Content)
	require.Equal(t, domain.Usage{InputTokens: 3, OutputTokens: 3}, resp.Usage)
	require.Equal(t, domain.FinishReasonStop, resp.FinishReason)
	require.NotEmpty(t, resp.ID)
	require.NotEmpty(t, resp.RawRequest)
}

func TestComplete_MultipleMessages(t *testing.T) {
	provider := echo.NewProvider(0)

	resp, err := provider.Complete(context.Background(), chatRequest(
		domain.Message{Role: domain.RoleSystem, Content: "You are helpful"},
		domain.Message{Role: domain.RoleUser, Content: "Hello world"},
		domain.Message{Role: domain.RoleAssistant, Content: "Hi there"},
	))

	require.NoError(t, err)
	require.Equal(t, "[system]: You are helpful\n[user]: Hello world\n[assistant]: Hi there\n", resp.Content)
	require.Equal(t, 10, resp.Usage.InputTokens)
	require.Equal(t, 10, resp.Usage.OutputTokens)
}

func TestComplete_Modalities(t *testing.T) {
	provider := echo.NewProvider(0)
	ctx := context.Background()

	t.Run("should return valid json in json mode", func(t *testing.T) {
		req := chatRequest(domain.Message{Role: domain.RoleUser, Content: "hi"})
		req.Modality = domain.ModalityJSON

		resp, err := provider.Complete(ctx, req)

		require.NoError(t, err)
		var parsed map[string]string
		require.NoError(t, json.Unmarshal([]byte(resp.Content), &parsed))
		require.Equal(t, "[user]: hi\n", parsed["echo"])
	})

	t.Run("should embed each text deterministically", func(t *testing.T) {
		req := &domain.ModelRequest{Modality: domain.ModalityEmbedding, Model: "echo4", Texts: []string{"a", "b", "a"}}

		resp, err := provider.Complete(ctx, req)

		require.NoError(t, err)
		require.Len(t, resp.Embeddings, 3)
		require.Equal(t, resp.Embeddings[0], resp.Embeddings[2])
		require.NotEqual(t, resp.Embeddings[0], resp.Embeddings[1])
		for _, v := range resp.Embeddings[0] {
			require.GreaterOrEqual(t, v, -1.0)
			require.Less(t, v, 1.0)
		}
	})

	t.Run("should never flag moderation input", func(t *testing.T) {
		req := &domain.ModelRequest{Modality: domain.ModalityModeration, Model: "echo4", Texts: []string{"x", "y"}}

		resp, err := provider.Complete(ctx, req)

		require.NoError(t, err)
		require.Len(t, resp.Moderation, 2)
		require.False(t, resp.Moderation[0].Flagged)
	})

	t.Run("should reject modalities it cannot produce", func(t *testing.T) {
		req := &domain.ModelRequest{Modality: domain.ModalitySpeech, Model: "echo4", Texts: []string{"say"}}

		_, err := provider.Complete(ctx, req)

		require.ErrorIs(t, err, domain.ErrUnsupportedModality)
	})
}

func TestComplete_InvalidRequests(t *testing.T) {
	provider := echo.NewProvider(0)
	ctx := context.Background()

	t.Run("should reject a nil request", func(t *testing.T) {
		resp, err := provider.Complete(ctx, nil)

		require.Error(t, err)
		require.Nil(t, resp)
		require.Contains(t, err.Error(), "request cannot be nil")
	})

	t.Run("should reject an unsupported model with a provider error", func(t *testing.T) {
		req := chatRequest(domain.Message{Role: domain.RoleUser, Content: "Hello"})
		req.Model = "gpt-4"

		_, err := provider.Complete(ctx, req)

		var providerErr *domain.ProviderError
		require.ErrorAs(t, err, &providerErr)
		require.Equal(t, "echo", providerErr.Provider)
		require.Contains(t, err.Error(), "not supported")
	})

	t.Run("should serve additional models when configured", func(t *testing.T) {
		custom := echo.NewProvider(0, "tiny")
		req := chatRequest(domain.Message{Role: domain.RoleUser, Content: "Hello"})
		req.Model = "tiny"

		_, err := custom.Complete(ctx, req)

		require.NoError(t, err)
	})
}

func TestStream_Success(t *testing.T) {
	provider := echo.NewProvider(0)

	stream, err := provider.Stream(context.Background(), chatRequest(
		domain.Message{Role: domain.RoleUser, Content: "Hello world"},
	))
	require.NoError(t, err)

	var builder strings.Builder
	var last domain.StreamChunk
	for chunk := range stream.Chunks {
		require.NoError(t, chunk.Error)
		builder.WriteString(chunk.Content)
		last = chunk
	}

	require.Equal(t, "[user]: Hello world", builder.String())
	require.Equal(t, domain.FinishReasonStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	require.Equal(t, 3, last.Usage.OutputTokens)
}

func TestStream_EmptyMessages(t *testing.T) {
	provider := echo.NewProvider(0)

	stream, err := provider.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	var chunks []domain.StreamChunk
	for chunk := range stream.Chunks {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0].Content)
	require.Equal(t, domain.FinishReasonStop, chunks[0].FinishReason)
}

func TestStream_ContextCancellation(t *testing.T) {
	provider := echo.NewProvider(0)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := provider.Stream(ctx, chatRequest(
		domain.Message{Role: domain.RoleUser, Content: "This is a longer message for testing cancellation"},
	))
	require.NoError(t, err)

	<-stream.Chunks
	cancel()

	received := 0
	for range stream.Chunks {
		received++
	}
	require.Less(t, received, 10)
}

func TestStream_RejectsBufferedModalities(t *testing.T) {
	provider := echo.NewProvider(0)
	req := &domain.ModelRequest{Modality: domain.ModalityEmbedding, Model: "echo4", Texts: []string{"a"}}

	_, err := provider.Stream(context.Background(), req)

	require.ErrorIs(t, err, domain.ErrUnsupportedModality)
}

func TestModel(t *testing.T) {
	model := echo.Model()

	require.Equal(t, "echo4", model.Name)
	require.Equal(t, "echo", model.Routing[0].Provider)
	require.NotNil(t, model.Pricing)
	require.Zero(t, domain.CostFor(model.Pricing, domain.Usage{InputTokens: 100, OutputTokens: 100}, domain.DefaultFallbackPricing))
}
