package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "procflow:batch:jobs"

// RedisQueue is a simple list-backed job queue. Jobs enter at the left and
// workers block-pop from the right, so ids come out in enqueue order.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: defaultQueueKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue job %q: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks until a job id is available or the context ends. The pop
// uses a short server-side timeout and loops, so context cancellation is
// noticed within a second.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		vals, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				default:
					continue
				}
			}
			return "", fmt.Errorf("dequeue job: %w", err)
		}
		// BRPop returns [key, value]
		return vals[1], nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Close is a no-op; the redis client is shared and owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
