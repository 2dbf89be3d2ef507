package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sqllab/internal/domain"
)

// DefaultQueueKey is the Redis list holding pending tasks.
const DefaultQueueKey = "sqllab:tasks"

var _ domain.TaskQueue = (*RedisQueue)(nil)

// RedisQueue enqueues tasks on a Redis list for worker processes.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue creates a RedisQueue on key (DefaultQueueKey when empty).
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

// Submit pushes the task envelope onto the list.
func (q *RedisQueue) Submit(ctx context.Context, taskName string, params any) (domain.TaskHandle, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	env := envelope{ID: domain.NewID(), Task: taskName, Params: raw, EnqueuedAt: time.Now().UnixMilli()}
	b, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return nil, fmt.Errorf("enqueue task %q: %w", taskName, err)
	}
	return redisHandle{id: env.ID}, nil
}

// Len returns the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

type redisHandle struct{ id string }

func (h redisHandle) ID() string { return h.id }

// Forget is unsupported: the queue keeps no client-side result state.
func (h redisHandle) Forget() error { return domain.ErrForgetUnsupported }

// Consumer pops tasks from a Redis list and runs them on a Pool.
type Consumer struct {
	client redis.UniversalClient
	key    string
	pool   *Pool
	block  time.Duration
	logger *slog.Logger
}

// NewConsumer creates a Consumer reading key and dispatching to pool.
func NewConsumer(client redis.UniversalClient, key string, pool *Pool, logger *slog.Logger) *Consumer {
	if key == "" {
		key = DefaultQueueKey
	}
	return &Consumer{
		client: client,
		key:    key,
		pool:   pool,
		block:  time.Second,
		logger: logger.With("component", "task_consumer"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("task consumer started", "queue", c.key)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("task consumer stopped")
			return nil
		}
		res, err := c.client.BRPop(ctx, c.block, c.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("task pop failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.block):
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		var env envelope
		if err := codec.Unmarshal([]byte(res[1]), &env); err != nil {
			c.logger.Error("dropping malformed task", "error", err)
			continue
		}
		if err := c.pool.dispatchRaw(ctx, env); err != nil {
			if ctx.Err() != nil {
				c.requeue(res[1], env)
				continue
			}
			c.logger.Error("task dispatch failed", "task", env.Task, "task_id", env.ID, "error", err)
		}
	}
}

// requeue puts a popped task back at the consuming end of the list so the
// next worker picks it up first.
func (c *Consumer) requeue(raw string, env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.RPush(ctx, c.key, raw).Err(); err != nil {
		c.logger.Error("task requeue failed", "task", env.Task, "task_id", env.ID, "error", err)
		return
	}
	c.logger.Info("task requeued", "task", env.Task, "task_id", env.ID)
}
