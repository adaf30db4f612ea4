package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLimiter(t *testing.T, limit int, window time.Duration) *RedisLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, limit, window)
}

func TestRedisLimiter_EnforcesWindowLimit(t *testing.T) {
	limiter := setupTestLimiter(t, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, allowed)

	// other keys have their own window
	allowed, err = limiter.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiter_SubSecondWindow(t *testing.T) {
	limiter := setupTestLimiter(t, 1, 100*time.Millisecond)

	allowed, err := limiter.Allow(context.Background(), "client")
	require.NoError(t, err)
	assert.True(t, allowed)
}
