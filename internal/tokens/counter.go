package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/davidbz/ember/internal/domain"
)

// charsPerToken approximates English text when no codec is available.
const charsPerToken = 4

// Counter counts tokens with tiktoken encodings, caching one codec per encoding.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

var _ domain.TokenCounter = (*Counter)(nil)

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// CountTokens returns the token count of text. Models without a known encoding
// fall back to a character based estimate.
func (c *Counter) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}

	codec, err := c.codec(Encoding(model))
	if err == nil {
		if ids, _, encErr := codec.Encode(text); encErr == nil {
			return len(ids)
		}
	}
	return Estimate(text)
}

func (c *Counter) codec(encoding tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// Encoding maps a model name to its tiktoken encoding.
func Encoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// Estimate approximates a token count from the rune length of text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
