package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, 0, 0)
	return New(q, nil, time.Second), q
}

func drainQueue(t *testing.T, q queue.Queue, name string) int {
	t.Helper()
	ctx := context.Background()
	count := 0
	for {
		lease, err := q.Lease(ctx, types.AllQueues(), "drain", time.Minute)
		require.NoError(t, err)
		if lease == nil {
			return count
		}
		if lease.TaskName == name {
			count++
		}
		require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))
	}
}

func TestCronCoalescesMissedFires(t *testing.T) {
	s, q := newTestScheduler(t)

	// Freeze the clock just before 02:00
	base := time.Date(2024, 3, 1, 1, 55, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.AddCron("sync_products_daily", "sync.products", nil,
		types.QueueDataSync, types.PriorityNormal, "0 2 * * *", time.UTC))

	// Downtime from 01:55 to 05:00: several ticks never ran. On
	// recovery exactly one fire is emitted.
	base = time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	s.FireDue(context.Background())
	s.FireDue(context.Background())

	assert.Equal(t, 1, drainQueue(t, q, "sync.products"))

	// The next fire is tomorrow 02:00
	next, ok := s.NextFire("sync_products_daily")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestIntervalFiresWithJitterBound(t *testing.T) {
	s, q := newTestScheduler(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	period := time.Hour
	require.NoError(t, s.AddInterval("refresh", "sync.suppliers", nil,
		types.QueueDataSync, types.PriorityNormal, period, 2*time.Hour))

	// Jitter is clamped to period/4
	next, ok := s.NextFire("refresh")
	require.True(t, ok)
	delta := next.Sub(base)
	assert.GreaterOrEqual(t, delta, period-period/4)
	assert.LessOrEqual(t, delta, period+period/4)

	// Advance past the fire time
	base = base.Add(2 * time.Hour)
	s.FireDue(context.Background())
	assert.Equal(t, 1, drainQueue(t, q, "sync.suppliers"))
}

func TestDelayedFiresOnce(t *testing.T) {
	s, q := newTestScheduler(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.AddDelayed("oneshot", "batch.export", nil,
		types.QueueBatch, types.PriorityLow, base.Add(time.Minute)))

	s.FireDue(context.Background())
	assert.Equal(t, 0, drainQueue(t, q, "batch.export"), "not due yet")

	base = base.Add(2 * time.Minute)
	s.FireDue(context.Background())
	s.FireDue(context.Background())
	assert.Equal(t, 1, drainQueue(t, q, "batch.export"))

	_, ok := s.NextFire("oneshot")
	assert.False(t, ok, "delayed entries complete after firing")
}

func TestMonotonicFiresPerEntry(t *testing.T) {
	s, q := newTestScheduler(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.AddInterval("tick", "sync.validate", nil,
		types.QueueDefault, types.PriorityNormal, time.Minute, 0))

	fires := 0
	for i := 0; i < 10; i++ {
		base = base.Add(time.Minute)
		s.FireDue(context.Background())
		fires += drainQueue(t, q, "sync.validate")
	}
	assert.Equal(t, 10, fires)
}

func TestDuplicateEntryRejected(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.AddInterval("dup", "a", nil, "", types.PriorityNormal, time.Minute, 0))
	assert.Error(t, s.AddInterval("dup", "b", nil, "", types.PriorityNormal, time.Minute, 0))
}

func TestBadCronExpressionRejected(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.Error(t, s.AddCron("bad", "x", nil, "", types.PriorityNormal, "not a cron", time.UTC))
}
