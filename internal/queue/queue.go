// Package queue implements the durable, priority-partitioned work
// queue with at-least-once lease semantics.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/market-sync/internal/types"
)

// Enqueue options beyond the required fields.
type EnqueueOptions struct {
	Queue     string
	Priority  types.Priority
	NotBefore time.Time
}

// Lease couples a leased work item with the token that proves
// ownership until the deadline.
type Lease struct {
	WorkID   string
	Token    string
	Deadline time.Time
	TaskName string
	Args     json.RawMessage
	Queue    string
	Priority types.Priority
	Attempt  int
}

// Depth is the number of eligible plus delayed items in one
// (queue, priority) partition.
type Depth struct {
	Queue    string
	Priority types.Priority
	Ready    int64
}

// Queue is the durable queue port (C9).
type Queue interface {
	// Enqueue adds work and returns its id. Respects per-queue
	// backpressure: producers calling Enqueue on a paused queue get
	// ErrBackpressure.
	Enqueue(ctx context.Context, taskName string, args interface{}, opts EnqueueOptions) (string, error)

	// Lease claims an eligible item from the given queues, scanned in
	// the order given: the first queue with an eligible item wins, and
	// within it the highest priority. Returns nil when nothing is
	// eligible.
	Lease(ctx context.Context, queues []string, workerID string, ttl time.Duration) (*Lease, error)

	// Extend pushes the lease deadline out. Fails with ErrStaleLease
	// when the token no longer owns the item.
	Extend(ctx context.Context, workID, token string, ttl time.Duration) error

	// Ack removes completed work. Fails with ErrStaleLease on a stale
	// token.
	Ack(ctx context.Context, workID, token string) error

	// Nack re-queues work after a failure with a delay; the attempt
	// counter is incremented.
	Nack(ctx context.Context, workID, token, reason string, delay time.Duration) error

	// RequeueExpired returns expired leases to their ready partitions.
	// Called periodically by workers; returns the number requeued.
	RequeueExpired(ctx context.Context) (int, error)

	// Depths reports partition depths for supervision.
	Depths(ctx context.Context) ([]Depth, error)

	// Paused reports whether the queue is above its high-water mark
	// and has not yet drained below the low-water mark.
	Paused(ctx context.Context, queue string) (bool, error)
}

// priorities in dispatch order, highest first.
var priorities = []types.Priority{
	types.PriorityUrgent, types.PriorityHigh, types.PriorityNormal, types.PriorityLow,
}
