package guardrail

import (
	"context"
	"strings"

	"github.com/davidbz/ember/internal/domain"
)

// KeywordProvider is the profile provider name of the deny-list scanner.
const KeywordProvider = "keyword"

const keywordCategory = "keyword"

// KeywordScanner flags text containing any of the profile's terms,
// case-insensitively.
type KeywordScanner struct{}

// NewKeywordScanner creates a deny-list scanner.
func NewKeywordScanner() *KeywordScanner {
	return &KeywordScanner{}
}

// Scan matches every text against the profile terms.
func (s *KeywordScanner) Scan(_ context.Context, in domain.GuardrailScanInput) (*domain.GuardrailVerdict, error) {
	verdict := &domain.GuardrailVerdict{CategoryScores: map[string]float64{keywordCategory: 0}}
	if in.Profile == nil {
		return verdict, nil
	}

	for _, text := range in.Texts {
		lowered := strings.ToLower(text)
		for _, term := range in.Profile.Terms {
			if term == "" || !strings.Contains(lowered, strings.ToLower(term)) {
				continue
			}
			verdict.Flagged = true
			verdict.CategoryScores[keywordCategory] = 1
			verdict.ProviderResults = append(verdict.ProviderResults, KeywordProvider+":"+term)
		}
	}
	return verdict, nil
}
