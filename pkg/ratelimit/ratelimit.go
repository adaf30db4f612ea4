package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides per key whether one more request may pass.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucketLimiter is an in-process token bucket shared by all keys. Good
// enough for a single instance; use the redis limiter behind a load balancer.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.limiter.Allow(), nil
}

// RedisLimiter is a fixed-window counter per key, shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowMs := r.window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().UnixMilli()/windowMs)

	pipe := r.client.Pipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	return count.Val() <= r.limit, nil
}

// Middleware rejects requests over the limit with 429. The key defaults to
// the client ip.
func Middleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			// limiter errors never block requests
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
