package redis_test

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/cache/redis"
	"github.com/davidbz/ember/internal/domain"
)

func TestDecodeEntry(t *testing.T) {
	now := time.Now()
	data, err := json.Marshal(&domain.ModelResponse{Content: "cached"})
	require.NoError(t, err)

	entry := func(age time.Duration) map[string]string {
		return map[string]string{
			"data":      string(data),
			"stored_at": strconv.FormatInt(now.Add(-age).Unix(), 10),
		}
	}

	tests := []struct {
		name    string
		fields  map[string]string
		maxAge  time.Duration
		wantHit bool
		wantErr error
	}{
		{name: "fresh entry", fields: entry(time.Second), maxAge: time.Minute, wantHit: true},
		{name: "no age limit", fields: entry(24 * time.Hour), wantHit: true},
		{name: "stale entry", fields: entry(time.Hour), maxAge: time.Minute, wantErr: domain.ErrCacheMiss},
		{name: "missing entry", fields: map[string]string{}, wantErr: domain.ErrCacheMiss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := redis.DecodeEntry(tt.fields, tt.maxAge, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "cached", resp.Content)
		})
	}

	t.Run("corrupt payload", func(t *testing.T) {
		_, err := redis.DecodeEntry(map[string]string{"data": "{"}, 0, now)
		require.Error(t, err)
		require.NotErrorIs(t, err, domain.ErrCacheMiss)
	})
}

func TestInferenceCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	cache := redis.NewInferenceCache(client, time.Minute)
	key := uuid.NewString()

	_, err := cache.Get(ctx, key, 0)
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, key, &domain.ModelResponse{Content: "hello", Usage: domain.Usage{InputTokens: 1}}))

	resp, err := cache.Get(ctx, key, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
}
