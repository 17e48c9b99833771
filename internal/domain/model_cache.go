package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// CacheMode controls how a request interacts with the model inference cache.
type CacheMode string

const (
	CacheModeOff       CacheMode = "off"
	CacheModeOn        CacheMode = "on"
	CacheModeReadOnly  CacheMode = "read_only"
	CacheModeWriteOnly CacheMode = "write_only"
)

// CachePolicy is the per-request cache setting.
type CachePolicy struct {
	Mode      CacheMode `json:"enabled,omitempty"`
	MaxAgeSec *int      `json:"max_age_s,omitempty"`
}

// Reads reports whether the policy allows cache lookups.
func (p CachePolicy) Reads() bool {
	return p.Mode == CacheModeOn || p.Mode == CacheModeReadOnly
}

// Writes reports whether the policy allows cache stores.
func (p CachePolicy) Writes() bool {
	return p.Mode == CacheModeOn || p.Mode == CacheModeWriteOnly
}

// MaxAge returns the oldest acceptable entry age; zero means no limit.
func (p CachePolicy) MaxAge() time.Duration {
	if p.MaxAgeSec == nil || *p.MaxAgeSec <= 0 {
		return 0
	}
	return time.Duration(*p.MaxAgeSec) * time.Second
}

type cacheKeyMaterial struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Modality Modality        `json:"modality"`
	System   string          `json:"system,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Texts    []string        `json:"texts,omitempty"`
	File     *File           `json:"file,omitempty"`
	Params   InferenceParams `json:"params"`
	JSONMode bool            `json:"json_mode,omitempty"`
	Extra    map[string]any  `json:"extra_body,omitempty"`
}

// CacheKey derives the exact-match cache key of a provider request.
// Credentials, headers and the inference id never contribute.
func CacheKey(provider string, req *ModelRequest) string {
	material := cacheKeyMaterial{
		Provider: provider,
		Model:    req.Model,
		Modality: req.Modality,
		System:   req.System,
		Messages: req.Messages,
		Texts:    req.Texts,
		File:     req.File,
		Params:   req.Params,
		JSONMode: req.JSONMode,
		Extra:    req.ExtraBody,
	}

	data, err := json.Marshal(material)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
