package domain

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// VariantCandidate is a variant eligible for one request.
type VariantCandidate struct {
	Name    string
	Weight  *float64
	Variant VariantConfig
}

// MaterializeCandidates builds the candidate list of fn. A non-empty pinned
// name trims the list to that variant regardless of its weight; otherwise
// variants with a non-positive weight are excluded.
func MaterializeCandidates(fn *FunctionConfig, pinned string) ([]VariantCandidate, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: function cannot be nil", ErrInvalidRequest)
	}

	if pinned != "" {
		variant, ok := fn.Variant(pinned)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no variant %s", ErrUnknownVariant, fn.Name, pinned)
		}
		return []VariantCandidate{{Name: variant.Name, Weight: variant.Weight, Variant: variant}}, nil
	}

	candidates := make([]VariantCandidate, 0, len(fn.Variants))
	for _, v := range fn.Variants {
		if v.Weight != nil && *v.Weight <= 0 {
			continue
		}
		candidates = append(candidates, VariantCandidate{Name: v.Name, Weight: v.Weight, Variant: v})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFunctionVariants, fn.Name)
	}
	return candidates, nil
}

// SamplingValue maps a function and episode to a stable value in [0, 1),
// so repeated requests of one episode favour the same variant.
func SamplingValue(functionName string, episodeID uuid.UUID) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(functionName))
	_, _ = h.Write(episodeID[:])
	return float64(h.Sum64()>>11) / float64(uint64(1)<<53)
}

// drawCandidate picks one index from pool using u in [0, 1). Weighted
// candidates are drawn proportionally to their weight; candidates without
// a weight are drawn uniformly once no weighted candidate is left.
func drawCandidate(pool []VariantCandidate, u float64) int {
	total := 0.0
	for _, c := range pool {
		if c.Weight != nil {
			total += *c.Weight
		}
	}

	if total > 0 {
		target := u * total
		cumulative := 0.0
		last := -1
		for i, c := range pool {
			if c.Weight == nil {
				continue
			}
			cumulative += *c.Weight
			last = i
			if target < cumulative {
				return i
			}
		}
		return last
	}

	idx := int(u * float64(len(pool)))
	if idx >= len(pool) {
		idx = len(pool) - 1
	}
	return idx
}
