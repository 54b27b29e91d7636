// Package redisbus implements the shared key-value bus used for task
// handoff, result reporting, and worker heartbeats.
//
// The task stream is a Redis list: the orchestrator pushes to the head
// (LPUSH) and workers block-pop from the tail (BRPOP), giving FIFO
// delivery. Retries are pushed to the consuming end (RPUSH) so they are
// redelivered before older work.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// Bus wraps a Redis client with the runtime's key conventions.
type Bus struct {
	rdb             *redis.Client
	taskKey         string
	resultKey       string
	heartbeatPrefix string
	closed          atomic.Bool
}

// New connects to Redis at the given URL.
func New(redisURL, taskKey, resultKey, heartbeatPrefix string) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.New: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), taskKey, resultKey, heartbeatPrefix), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, taskKey, resultKey, heartbeatPrefix string) *Bus {
	return &Bus{
		rdb:             rdb,
		taskKey:         taskKey,
		resultKey:       resultKey,
		heartbeatPrefix: heartbeatPrefix,
	}
}

// Client exposes the underlying Redis client for collaborators that share
// the connection (CNP bidding).
func (b *Bus) Client() *redis.Client { return b.rdb }

// Ping verifies connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisbus.Ping: %w", err)
	}
	return nil
}

// Pull blocks up to timeout for the next task on the stream. Returns
// (nil, nil) when no task arrives before the timeout.
func (b *Bus) Pull(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, b.taskKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=redisbus.Pull: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) < 2 {
		return nil, fmt.Errorf("op=redisbus.Pull: unexpected BRPOP reply of %d elements", len(vals))
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(vals[1]), &t); err != nil {
		return nil, fmt.Errorf("op=redisbus.Pull: decode task: %w", err)
	}
	return &t, nil
}

// Push enqueues a task at the producing end of the stream.
func (b *Bus) Push(ctx context.Context, t *domain.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=redisbus.Push: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.taskKey, raw).Err(); err != nil {
		return fmt.Errorf("op=redisbus.Push: %w", err)
	}
	return nil
}

// PushRetry re-enqueues a task at the consuming end so it is redelivered
// before older work.
func (b *Bus) PushRetry(ctx context.Context, t *domain.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=redisbus.PushRetry: %w", err)
	}
	if err := b.rdb.RPush(ctx, b.taskKey, raw).Err(); err != nil {
		return fmt.Errorf("op=redisbus.PushRetry: %w", err)
	}
	return nil
}

// PushResult appends a terminal result to the result stream.
func (b *Bus) PushResult(ctx context.Context, r *domain.TaskResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("op=redisbus.PushResult: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.resultKey, raw).Err(); err != nil {
		return fmt.Errorf("op=redisbus.PushResult: %w", err)
	}
	return nil
}

// Heartbeat publishes a worker liveness document with a TTL.
func (b *Bus) Heartbeat(ctx context.Context, workerID string, doc any, ttl time.Duration) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("op=redisbus.Heartbeat: %w", err)
	}
	key := b.heartbeatPrefix + "/" + workerID
	if err := b.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisbus.Heartbeat: %w", err)
	}
	return nil
}

// Close releases the connection. Idempotent.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.rdb.Close(); err != nil {
		slog.Warn("redis close failed", slog.Any("error", err))
		return err
	}
	return nil
}
