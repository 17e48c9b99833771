package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tiktoken-go/tokenizer"

	"github.com/davidbz/ember/internal/tokens"
)

func TestEncoding(t *testing.T) {
	tests := []struct {
		model    string
		expected tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"openai/gpt-4o", tokenizer.O200kBase},
		{"gpt-4-turbo", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"text-embedding-3-small", tokenizer.Cl100kBase},
		{"o3-mini", tokenizer.O200kBase},
		{"echo", tokenizer.O200kBase},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			require.Equal(t, tt.expected, tokens.Encoding(tt.model))
		})
	}
}

func TestCounter_CountTokens(t *testing.T) {
	counter := tokens.NewCounter()

	t.Run("should count nothing for empty text", func(t *testing.T) {
		require.Zero(t, counter.CountTokens("gpt-4o", ""))
	})

	t.Run("should count words as tokens", func(t *testing.T) {
		require.Equal(t, 2, counter.CountTokens("gpt-4o", "hello world"))
	})

	t.Run("should be stable across calls", func(t *testing.T) {
		text := "The quick brown fox jumps over the lazy dog."
		first := counter.CountTokens("gpt-4", text)
		require.Positive(t, first)
		require.Equal(t, first, counter.CountTokens("gpt-4", text))
	})
}

func TestEstimate(t *testing.T) {
	require.Zero(t, tokens.Estimate(""))
	require.Equal(t, 1, tokens.Estimate("abc"))
	require.Equal(t, 2, tokens.Estimate("abcdefgh"))
	require.Equal(t, 1, tokens.Estimate("hé"))
}
