package guardrail

import (
	"context"

	"github.com/openai/openai-go"

	"github.com/davidbz/ember/internal/domain"
	openaiprovider "github.com/davidbz/ember/internal/provider/openai"
)

// ModerationProvider is the profile provider name of the moderation scanner.
const ModerationProvider = "openai"

// DefaultModerationModel is used when a profile names no model.
const DefaultModerationModel = "omni-moderation-latest"

// ModerationScanner scores text with the OpenAI moderation endpoint.
type ModerationScanner struct {
	client openai.Client
}

// NewModerationScanner creates a moderation scanner from provider config.
func NewModerationScanner(config openaiprovider.Config) *ModerationScanner {
	return &ModerationScanner{
		client: openai.NewClient(openaiprovider.ClientOptions(config)...),
	}
}

// Scan flags the input when any selected category reaches the profile
// threshold. With no threshold the upstream flag decides.
func (s *ModerationScanner) Scan(ctx context.Context, in domain.GuardrailScanInput) (*domain.GuardrailVerdict, error) {
	model := DefaultModerationModel
	if in.Profile != nil && in.Profile.Model != "" {
		model = in.Profile.Model
	}

	verdicts, raw, err := openaiprovider.Moderate(ctx, s.client, model, in.Texts)
	if err != nil {
		return nil, err
	}

	var (
		threshold  float64
		categories []string
	)
	if in.Profile != nil {
		threshold = in.Profile.Threshold
		categories = in.Profile.Categories
	}

	return evaluate(verdicts, raw, threshold, categories), nil
}

// evaluate keeps the highest score per selected category across inputs.
func evaluate(verdicts []domain.ModerationVerdict, raw string, threshold float64, categories []string) *domain.GuardrailVerdict {
	selected := make(map[string]bool, len(categories))
	for _, c := range categories {
		selected[c] = true
	}

	out := &domain.GuardrailVerdict{CategoryScores: map[string]float64{}}
	if raw != "" {
		out.ProviderResults = []string{raw}
	}

	for _, v := range verdicts {
		if threshold <= 0 && v.Flagged {
			out.Flagged = true
		}
		for category, score := range v.CategoryScores {
			if len(selected) > 0 && !selected[category] {
				continue
			}
			if score > out.CategoryScores[category] {
				out.CategoryScores[category] = score
			}
			if threshold > 0 && score >= threshold {
				out.Flagged = true
			}
		}
	}
	return out
}
