package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, registry *Registry) (*Pool, queue.Queue, *storage.MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, 0, 0)
	store := storage.NewMemoryStore()

	p := NewPool(PoolConfig{
		Workers:        2,
		Queues:         []string{types.QueueDefault, types.QueueDataSync},
		LeaseTTL:       5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		ReaperInterval: 20 * time.Millisecond,
	}, q, store, registry, nil)
	return p, q, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestPoolExecutesRegisteredHandler(t *testing.T) {
	registry := NewRegistry()
	var ran atomic.Int32
	registry.Register("test.echo", func(ctx context.Context, tc *TaskContext) error {
		var args struct {
			Value string `json:"value"`
		}
		require.NoError(t, tc.DecodeArgs(&args))
		assert.Equal(t, "hello", args.Value)
		ran.Add(1)
		return nil
	})

	p, q, _ := testPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.echo", map[string]string{"value": "hello"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 3*time.Second, func() bool { return ran.Load() == 1 })
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	registry := NewRegistry()
	var attempts atomic.Int32
	retry := RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond, MaxAttempts: 3, Jitter: 0}
	registry.Register("test.flaky", func(ctx context.Context, tc *TaskContext) error {
		if attempts.Add(1) < 3 {
			return apperrors.ErrServerError
		}
		return nil
	}, RegisterOptions{Retry: &retry})

	p, q, _ := testPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.flaky", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return attempts.Load() == 3 })
}

func TestPoolDoesNotRetryValidationErrors(t *testing.T) {
	registry := NewRegistry()
	var attempts atomic.Int32
	registry.Register("test.bad", func(ctx context.Context, tc *TaskContext) error {
		attempts.Add(1)
		return apperrors.ErrMalformed
	})

	p, q, _ := testPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.bad", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "malformed work must not be retried")
}

func TestTaskContextCheckpointRoundTrip(t *testing.T) {
	registry := NewRegistry()
	done := make(chan struct{})
	registry.Register("test.checkpoint", func(ctx context.Context, tc *TaskContext) error {
		defer close(done)

		cp, err := tc.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Nil(t, cp, "fresh task has no checkpoint")

		counters := models.RunCounters{Total: 10, Processed: 7, Success: 7}
		require.NoError(t, tc.SaveCheckpoint(ctx, []byte("page=7"), counters))

		cp, err = tc.LoadCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, []byte("page=7"), cp.Cursor)
		assert.Equal(t, 7, cp.Counters.Success)
		assert.Equal(t, 1, cp.SequenceNo)
		return nil
	})

	p, q, _ := testPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.checkpoint", map[string]string{"task_id": "run-42"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestTaskIDFromArgs(t *testing.T) {
	registry := NewRegistry()
	got := make(chan string, 1)
	registry.Register("test.taskid", func(ctx context.Context, tc *TaskContext) error {
		got <- tc.TaskID
		return nil
	})

	p, q, _ := testPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.taskid", map[string]string{"task_id": "run-7"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	select {
	case id := <-got:
		assert.Equal(t, "run-7", id)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestProgressCoalescing(t *testing.T) {
	registry := NewRegistry()
	var reports atomic.Int32
	sink := sinkFunc(func(taskID string, percent float64, message string, counters models.RunCounters) {
		reports.Add(1)
	})

	done := make(chan struct{})
	registry.Register("test.progress", func(ctx context.Context, tc *TaskContext) error {
		defer close(done)
		for i := 0; i < 100; i++ {
			tc.ReportProgress(float64(i), "working", models.RunCounters{})
		}
		tc.ReportProgress(100, "done", models.RunCounters{})
		return nil
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, 0, 0)
	store := storage.NewMemoryStore()
	p := NewPool(PoolConfig{
		Workers: 1, Queues: []string{types.QueueDefault},
		LeaseTTL: 5 * time.Second, PollInterval: 10 * time.Millisecond,
	}, q, store, registry, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "test.progress", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not run")
	}

	// First report plus the terminal 100% always pass; the burst in
	// between coalesces away
	assert.LessOrEqual(t, reports.Load(), int32(3))
	assert.GreaterOrEqual(t, reports.Load(), int32(2))
}

type sinkFunc func(string, float64, string, models.RunCounters)

func (f sinkFunc) TaskProgress(taskID string, percent float64, message string, counters models.RunCounters) {
	f(taskID, percent, message, counters)
}
