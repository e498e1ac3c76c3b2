package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
)

// ProgressSink receives task progress for supervision and push
// surfaces. Implementations must not block.
type ProgressSink interface {
	TaskProgress(taskID string, percent float64, message string, counters models.RunCounters)
}

// nopSink drops progress events.
type nopSink struct{}

func (nopSink) TaskProgress(string, float64, string, models.RunCounters) {}

// TaskContext is handed to every task handler. It carries the work
// identity and the runtime services a handler may use: progress
// reporting, checkpoints, cancellation and lease heartbeats.
type TaskContext struct {
	WorkID   string
	TaskID   string
	TaskName string
	Args     json.RawMessage
	Attempt  int

	store storage.Store
	queue queue.Queue
	lease *queue.Lease
	ttl   time.Duration
	sink  ProgressSink

	mu            sync.Mutex
	lastProgress  time.Time
	lastHeartbeat time.Time
}

// progressMinInterval coalesces progress reports to at most 1 Hz.
const progressMinInterval = time.Second

// newTaskContext builds the context for one leased work item. The
// task id defaults to the work id and is overridden by a task_id arg,
// which is how sync-run driver tasks bind to their run row.
func newTaskContext(lease *queue.Lease, store storage.Store, q queue.Queue, ttl time.Duration, sink ProgressSink) *TaskContext {
	if sink == nil {
		sink = nopSink{}
	}
	tc := &TaskContext{
		WorkID:   lease.WorkID,
		TaskID:   lease.WorkID,
		TaskName: lease.TaskName,
		Args:     lease.Args,
		Attempt:  lease.Attempt,
		store:    store,
		queue:    q,
		lease:    lease,
		ttl:      ttl,
		sink:     sink,
	}
	var probe struct {
		TaskID string `json:"task_id"`
	}
	if len(lease.Args) > 0 {
		if err := json.Unmarshal(lease.Args, &probe); err == nil && probe.TaskID != "" {
			tc.TaskID = probe.TaskID
		}
	}
	return tc
}

// DecodeArgs unmarshals the task arguments into v.
func (tc *TaskContext) DecodeArgs(v interface{}) error {
	if len(tc.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(tc.Args, v); err != nil {
		return apperrors.ErrMalformed.WithCause(err).WithDetail("task", tc.TaskName)
	}
	return nil
}

// ReportProgress publishes best-effort progress, coalesced to at most
// one update per second. Never blocks on slow consumers.
func (tc *TaskContext) ReportProgress(percent float64, message string, counters models.RunCounters) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	tc.mu.Lock()
	now := time.Now()
	// Terminal reports always go out; intermediate ones coalesce
	if percent < 100 && now.Sub(tc.lastProgress) < progressMinInterval {
		tc.mu.Unlock()
		return
	}
	tc.lastProgress = now
	tc.mu.Unlock()

	tc.sink.TaskProgress(tc.TaskID, percent, message, counters)
}

// SaveCheckpoint durably writes the cursor and counters; it returns
// only after the write is committed.
func (tc *TaskContext) SaveCheckpoint(ctx context.Context, cursor []byte, counters models.RunCounters) error {
	return tc.store.SaveCheckpoint(ctx, &models.Checkpoint{
		TaskID:   tc.TaskID,
		Cursor:   cursor,
		Counters: counters,
	})
}

// LoadCheckpoint returns the last durable checkpoint, or nil when the
// task starts fresh. A corrupt checkpoint surfaces as nil with the
// corruption error so the caller restarts from the beginning.
func (tc *TaskContext) LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error) {
	return tc.store.LoadCheckpoint(ctx, tc.TaskID)
}

// CancelRequested reports whether a cooperative cancel is pending.
// Handlers check this at safe points (between pages).
func (tc *TaskContext) CancelRequested(ctx context.Context) bool {
	requested, err := tc.store.CancelRequested(ctx, tc.TaskID)
	if err != nil {
		return false
	}
	return requested
}

// Heartbeat extends the queue lease. Handlers doing long work call
// this at most every ttl/3; calls are rate-limited here so hot loops
// stay cheap.
func (tc *TaskContext) Heartbeat(ctx context.Context) error {
	tc.mu.Lock()
	now := time.Now()
	if now.Sub(tc.lastHeartbeat) < tc.ttl/6 {
		tc.mu.Unlock()
		return nil
	}
	tc.lastHeartbeat = now
	tc.mu.Unlock()

	return tc.queue.Extend(ctx, tc.lease.WorkID, tc.lease.Token, tc.ttl)
}
