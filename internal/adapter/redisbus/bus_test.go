package redisbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewWithClient(rdb, "apex:tasks:queue", "apex:tasks:results", "apex:workers:heartbeat")
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestPushPull_RoundTrip(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	task := &domain.Task{
		ID:          "t-1",
		Name:        "greet",
		Instruction: "Say hello",
		Priority:    3,
		MaxRetries:  2,
		Context:     map[string]any{"audience": "world"},
	}
	require.NoError(t, bus.Push(ctx, task))

	got, err := bus.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, "Say hello", got.Instruction)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, "world", got.Context["audience"])
}

func TestPull_EmptyQueueReturnsNil(t *testing.T) {
	bus, _ := newTestBus(t)

	got, err := bus.Pull(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPushRetry_RedeliveredBeforeOlderWork(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Push(ctx, &domain.Task{ID: "old-1"}))
	require.NoError(t, bus.Push(ctx, &domain.Task{ID: "old-2"}))
	require.NoError(t, bus.PushRetry(ctx, &domain.Task{ID: "retry", RetryCount: 1}))

	got, err := bus.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "retry", got.ID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPushResult_LandsOnResultStream(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	res := &domain.TaskResult{
		TaskID:      "t-9",
		Status:      domain.TaskCompleted,
		Result:      "done",
		TokensUsed:  70,
		CostDollars: 0.001,
		DurationMS:  1200,
	}
	require.NoError(t, bus.PushResult(ctx, res))

	raw, err := mr.Lpop("apex:tasks:results")
	require.NoError(t, err)
	var got domain.TaskResult
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 70, got.TokensUsed)
}

func TestHeartbeat_SetsKeyWithTTL(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	doc := map[string]any{"worker_id": "worker-0-abc", "state": "running"}
	require.NoError(t, bus.Heartbeat(ctx, "worker-0-abc", doc, 30*time.Second))

	key := "apex:workers:heartbeat/worker-0-abc"
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestClose_Idempotent(t *testing.T) {
	bus, _ := newTestBus(t)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
}

func TestPull_MalformedPayloadErrors(t *testing.T) {
	bus, mr := newTestBus(t)
	mr.Lpush("apex:tasks:queue", "{not json")

	_, err := bus.Pull(context.Background(), time.Second)
	require.Error(t, err)
}
