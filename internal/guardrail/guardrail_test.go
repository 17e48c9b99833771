package guardrail_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/guardrail"
	openaiprovider "github.com/davidbz/ember/internal/provider/openai"
)

type stubScanner struct {
	verdict *domain.GuardrailVerdict
	err     error
	calls   int
}

func (s *stubScanner) Scan(_ context.Context, _ domain.GuardrailScanInput) (*domain.GuardrailVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("should dispatch on the profile provider", func(t *testing.T) {
		router := guardrail.NewRouter()
		keyword := &stubScanner{verdict: &domain.GuardrailVerdict{Flagged: true}}
		other := &stubScanner{verdict: &domain.GuardrailVerdict{}}
		require.NoError(t, router.Register("keyword", keyword))
		require.NoError(t, router.Register("openai", other))

		verdict, err := router.Scan(ctx, domain.GuardrailScanInput{
			Profile: &domain.GuardProfile{Name: "deny", Provider: "keyword"},
			Texts:   []string{"x"},
		})

		require.NoError(t, err)
		require.True(t, verdict.Flagged)
		require.Equal(t, 1, keyword.calls)
		require.Zero(t, other.calls)
		require.Equal(t, []string{"keyword", "openai"}, router.Names())
	})

	t.Run("should fail for an unknown provider", func(t *testing.T) {
		router := guardrail.NewRouter()

		_, err := router.Scan(ctx, domain.GuardrailScanInput{
			Profile: &domain.GuardProfile{Name: "p", Provider: "missing"},
		})

		require.ErrorIs(t, err, domain.ErrUnknownProvider)
	})

	t.Run("should fail without a profile", func(t *testing.T) {
		_, err := guardrail.NewRouter().Scan(ctx, domain.GuardrailScanInput{})

		require.Error(t, err)
	})

	t.Run("should propagate scanner errors", func(t *testing.T) {
		router := guardrail.NewRouter()
		boom := errors.New("boom")
		require.NoError(t, router.Register("keyword", &stubScanner{err: boom}))

		_, err := router.Scan(ctx, domain.GuardrailScanInput{
			Profile: &domain.GuardProfile{Provider: "keyword"},
		})

		require.ErrorIs(t, err, boom)
	})

	t.Run("should reject invalid registrations", func(t *testing.T) {
		router := guardrail.NewRouter()

		require.Error(t, router.Register("", &stubScanner{}))
		require.Error(t, router.Register("x", nil))
		require.NoError(t, router.Register("x", &stubScanner{}))
		require.Error(t, router.Register("x", &stubScanner{}))
	})
}

func TestKeywordScanner(t *testing.T) {
	profile := &domain.GuardProfile{Name: "deny", Provider: "keyword", Terms: []string{"bad", "Forbidden"}}

	tests := []struct {
		name    string
		texts   []string
		flagged bool
		hits    []string
	}{
		{name: "should pass clean text", texts: []string{"all good here"}, flagged: false},
		{name: "should flag a term", texts: []string{"this is bad"}, flagged: true, hits: []string{"keyword:bad"}},
		{name: "should match case-insensitively", texts: []string{"FORBIDDEN zone"}, flagged: true, hits: []string{"keyword:Forbidden"}},
		{name: "should scan every text", texts: []string{"ok", "bad"}, flagged: true, hits: []string{"keyword:bad"}},
		{name: "should pass empty input", texts: nil, flagged: false},
	}

	scanner := guardrail.NewKeywordScanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := scanner.Scan(context.Background(), domain.GuardrailScanInput{Profile: profile, Texts: tt.texts})

			require.NoError(t, err)
			require.Equal(t, tt.flagged, verdict.Flagged)
			require.Equal(t, tt.hits, verdict.ProviderResults)
		})
	}
}

func TestEvaluate(t *testing.T) {
	verdicts := []domain.ModerationVerdict{
		{Flagged: false, CategoryScores: map[string]float64{"violence": 0.4, "hate": 0.1}},
		{Flagged: true, CategoryScores: map[string]float64{"violence": 0.7, "sexual": 0.9}},
	}

	t.Run("should follow the upstream flag without a threshold", func(t *testing.T) {
		verdict := guardrail.Evaluate(verdicts, "raw", 0, nil)

		require.True(t, verdict.Flagged)
		require.InDelta(t, 0.7, verdict.CategoryScores["violence"], 1e-9)
		require.Equal(t, []string{"raw"}, verdict.ProviderResults)
	})

	t.Run("should flag at the threshold within selected categories", func(t *testing.T) {
		verdict := guardrail.Evaluate(verdicts, "", 0.7, []string{"violence"})

		require.True(t, verdict.Flagged)
		require.NotContains(t, verdict.CategoryScores, "sexual")
	})

	t.Run("should ignore unselected categories above the threshold", func(t *testing.T) {
		verdict := guardrail.Evaluate(verdicts, "", 0.8, []string{"violence", "hate"})

		require.False(t, verdict.Flagged)
		require.Empty(t, verdict.ProviderResults)
	})
}

func TestModerationScanner(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[` +
			`{"flagged":false,"categories":{"violence":false},"category_scores":{"violence":0.62}}]}`))
	}))
	t.Cleanup(server.Close)

	scanner := guardrail.NewModerationScanner(openaiprovider.Config{APIKey: "k", BaseURL: server.URL + "/", Timeout: 5})

	verdict, err := scanner.Scan(context.Background(), domain.GuardrailScanInput{
		Profile:   &domain.GuardProfile{Name: "mod", Provider: "openai", Threshold: 0.5},
		GuardType: domain.GuardTypeOutput,
		Texts:     []string{"some window"},
	})

	require.NoError(t, err)
	require.True(t, verdict.Flagged)
	require.InDelta(t, 0.62, verdict.CategoryScores["violence"], 1e-9)
	require.Equal(t, "/moderations", gotPath)
}
