package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, 100, 50), mr
}

func TestEnqueueLeaseAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "sync.products", map[string]string{"category": "abc"}, EnqueueOptions{
		Queue:    types.QueueDataSync,
		Priority: types.PriorityNormal,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	lease, err := q.Lease(ctx, []string{types.QueueDataSync}, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, id, lease.WorkID)
	assert.Equal(t, "sync.products", lease.TaskName)
	assert.Equal(t, 0, lease.Attempt)

	require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))

	// Nothing left to lease
	again, err := q.Lease(ctx, []string{types.QueueDataSync}, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDoubleAckIsStale(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "sync.products", nil, EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueDataSync}, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))
	err = q.Ack(ctx, lease.WorkID, lease.Token)
	assert.True(t, errors.Is(err, apperrors.ErrStaleLease))
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	lowID, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityLow})
	require.NoError(t, err)
	urgentID, err := q.Enqueue(ctx, "b", nil, EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityUrgent})
	require.NoError(t, err)
	normalID, err := q.Enqueue(ctx, "c", nil, EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityNormal})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		lease, err := q.Lease(ctx, []string{types.QueueCrawler}, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		got = append(got, lease.WorkID)
		require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))
	}
	assert.Equal(t, []string{urgentID, normalID, lowID}, got)
}

func TestFIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{Queue: types.QueueBatch})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "b", nil, EnqueueOptions{Queue: types.QueueBatch})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueBatch}, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first, lease.WorkID)
	require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))

	lease, err = q.Lease(ctx, []string{types.QueueBatch}, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, second, lease.WorkID)
}

func TestNotBeforeDelaysDispatch(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "later", nil, EnqueueOptions{
		Queue:     types.QueueDefault,
		NotBefore: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueDefault}, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lease, "delayed work must not be leasable early")
}

func TestNackIncrementsAttemptAndDelays(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "flaky", nil, EnqueueOptions{Queue: types.QueueCrawler})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueCrawler}, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, q.Nack(ctx, lease.WorkID, lease.Token, "TOO_MANY_REQUESTS", 0))

	// Stale token cannot nack twice
	err = q.Nack(ctx, lease.WorkID, lease.Token, "again", 0)
	assert.True(t, errors.Is(err, apperrors.ErrStaleLease))

	release, err := q.Lease(ctx, []string{types.QueueCrawler}, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, 1, release.Attempt)
	assert.NotEqual(t, lease.Token, release.Token)
}

func TestLeaseExpiryAllowsRelease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "slow", nil, EnqueueOptions{Queue: types.QueueDefault})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueDefault}, "w1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	release, err := q.Lease(ctx, []string{types.QueueDefault}, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, lease.WorkID, release.WorkID)

	// The original holder's ack now fails
	err = q.Ack(ctx, lease.WorkID, lease.Token)
	assert.True(t, errors.Is(err, apperrors.ErrStaleLease))

	require.NoError(t, q.Ack(ctx, release.WorkID, release.Token))
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "long", nil, EnqueueOptions{Queue: types.QueueDefault})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueDefault}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Extend(ctx, lease.WorkID, lease.Token, 2*time.Minute))

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueueIsolation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "img", nil, EnqueueOptions{Queue: types.QueueImage, Priority: types.PriorityUrgent})
	require.NoError(t, err)

	lease, err := q.Lease(ctx, []string{types.QueueCrawler, types.QueueBatch}, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lease, "worker bound to other queues must not see image work")
}

func TestBackpressureLatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, 3, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "fill", nil, EnqueueOptions{Queue: types.QueueImage})
		require.NoError(t, err)
	}

	paused, err := q.Paused(ctx, types.QueueImage)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = q.Enqueue(ctx, "over", nil, EnqueueOptions{Queue: types.QueueImage})
	assert.True(t, errors.Is(err, ErrBackpressure))

	// Drain to at or below the low-water mark
	for i := 0; i < 2; i++ {
		lease, err := q.Lease(ctx, []string{types.QueueImage}, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		require.NoError(t, q.Ack(ctx, lease.WorkID, lease.Token))
	}

	paused, err = q.Paused(ctx, types.QueueImage)
	require.NoError(t, err)
	assert.False(t, paused, "latch must release at the low-water mark")
}

func TestDepths(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityHigh})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", nil, EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityHigh})
	require.NoError(t, err)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)

	var crawlerHigh int64
	for _, d := range depths {
		if d.Queue == types.QueueCrawler && d.Priority == types.PriorityHigh {
			crawlerHigh = d.Ready
		}
	}
	assert.Equal(t, int64(2), crawlerHigh)
}
