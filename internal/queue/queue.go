// Package queue is the Redis list carrying event processing jobs from the
// publisher to the worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

type RedisQueue struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: prefix + ":queue:events"}
}

// Enqueue pushes an event id for processing.
func (q *RedisQueue) Enqueue(ctx context.Context, eventID string) error {
	return q.rdb.LPush(ctx, q.key, eventID).Err()
}

// Dequeue blocks up to timeout for the next event id.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	// BRPOP answers [key, value]
	if len(res) != 2 {
		return "", ErrEmpty
	}
	return res[1], nil
}

// Depth returns the number of queued jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
