package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueEmpty is returned by Pop when there is nothing to drain.
var ErrQueueEmpty = errors.New("fallback: queue empty")

// Queue is the secondary append queue. Push and PushFront return the depth
// after the write.
type Queue interface {
	Push(ctx context.Context, payload []byte) (int64, error)
	PushFront(ctx context.Context, payload []byte) (int64, error)
	Pop(ctx context.Context) ([]byte, error)
	Depth(ctx context.Context) (int64, error)
}

// RedisQueue is a Queue backed by a Redis list. Entries are appended with
// RPUSH and drained from the head with LPOP, so order is preserved.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to the Redis instance at url and verifies it is
// reachable.
func NewRedisQueue(ctx context.Context, url, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fallback: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fallback: connect to redis: %w", err)
	}
	return NewRedisQueueFromClient(client, key), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, payload []byte) (int64, error) {
	n, err := q.client.RPush(ctx, q.key, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("fallback: push: %w", err)
	}
	return n, nil
}

// PushFront returns an entry to the head of the list so it is retried before
// newer entries.
func (q *RedisQueue) PushFront(ctx context.Context, payload []byte) (int64, error) {
	n, err := q.client.LPush(ctx, q.key, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("fallback: requeue: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Pop(ctx context.Context) ([]byte, error) {
	b, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("fallback: pop: %w", err)
	}
	return b, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("fallback: depth: %w", err)
	}
	return n, nil
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
