package supervise

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*Supervisor, queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, 0, 0)
	return New(q, nil, DefaultThresholds()), q
}

func TestEventSequenceIsMonotonic(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.TaskProgress("t1", 10, "a", models.RunCounters{})
	s.TaskProgress("t1", 20, "b", models.RunCounters{})
	s.ProductUpserted("P1", true)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			assert.Greater(t, e.Sequence, last)
			last = e.Sequence
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestSlowConsumersDropInsteadOfBlock(t *testing.T) {
	s, _ := newTestSupervisor(t)
	_, cancel := s.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.ProductUpserted("P", false)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow consumer")
	}
}

func TestChannelsByEventKind(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	run := &models.SyncRun{TaskID: "r1", Counters: models.RunCounters{Processed: 5, Success: 5}}
	s.RunCompleted(run)
	s.ProductUpserted("P1", true)
	s.ProductUpserted("P2", false)

	want := []string{ChannelSyncCompleted, ChannelNewProduct, ChannelProductUpdated}
	for _, channel := range want {
		select {
		case e := <-ch:
			assert.Equal(t, channel, e.Channel)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", channel)
		}
	}
}

func TestSnapshotAggregates(t *testing.T) {
	s, q := newTestSupervisor(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "sync.products", nil, queue.EnqueueOptions{
		Queue: types.QueueDataSync, Priority: types.PriorityHigh,
	})
	require.NoError(t, err)

	s.Heartbeat("w1")
	s.Heartbeat("w2")
	s.TaskProgress("t1", 42, "syncing", models.RunCounters{Processed: 42})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.ActiveWorkers)
	require.Len(t, snap.ActiveTasks, 1)
	assert.Equal(t, 42.0, snap.ActiveTasks[0].Percent)
	assert.False(t, snap.ActiveTasks[0].Stalled)

	var dataSyncHigh int64
	for _, d := range snap.QueueDepths {
		if d.Queue == types.QueueDataSync && d.Priority == types.PriorityHigh {
			dataSyncHigh = d.Ready
		}
	}
	assert.Equal(t, int64(1), dataSyncHigh)
}

func TestCompletedRunLeavesActiveTasks(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	s.TaskProgress("r1", 50, "halfway", models.RunCounters{})
	s.RunCompleted(&models.SyncRun{TaskID: "r1"})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveTasks)
}
