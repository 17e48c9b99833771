package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

const keyPrefix = "ember:model_cache:"

// InferenceCache implements domain.ModelCache on Redis hashes.
type InferenceCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ domain.ModelCache = (*InferenceCache)(nil)

// NewInferenceCache creates a new Redis inference cache. A zero ttl keeps entries forever.
func NewInferenceCache(client *redis.Client, ttl time.Duration) *InferenceCache {
	return &InferenceCache{
		client: client,
		ttl:    ttl,
	}
}

// Get returns the cached response for key, or domain.ErrCacheMiss when it is
// absent or older than maxAge.
func (c *InferenceCache) Get(ctx context.Context, key string, maxAge time.Duration) (*domain.ModelResponse, error) {
	fields, err := c.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry, err := decodeEntry(fields, maxAge, time.Now())
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			observability.FromContext(ctx).Warn("discarding unreadable cache entry",
				observability.String("key", key),
				observability.Error(err))
		}
		return nil, domain.ErrCacheMiss
	}
	return entry, nil
}

// Set stores resp under key.
func (c *InferenceCache) Set(ctx context.Context, key string, resp *domain.ModelResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, keyPrefix+key,
		"data", string(data),
		"stored_at", time.Now().Unix(),
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, keyPrefix+key, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// decodeEntry turns a stored hash back into a response.
func decodeEntry(fields map[string]string, maxAge time.Duration, now time.Time) (*domain.ModelResponse, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, domain.ErrCacheMiss
	}

	if maxAge > 0 {
		storedAt, err := strconv.ParseInt(fields["stored_at"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stored_at: %w", err)
		}
		if now.Sub(time.Unix(storedAt, 0)) > maxAge {
			return nil, domain.ErrCacheMiss
		}
	}

	var resp domain.ModelResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &resp, nil
}
