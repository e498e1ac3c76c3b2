// Package supervise aggregates worker heartbeats, queue depths and
// run counters, derives health and emits threshold events to the
// observability port.
package supervise

import (
	"context"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/validate"
)

// EventWriter is the observability port. The ClickHouse sink
// implements it; absent a sink, events go to the log only.
type EventWriter interface {
	WriteSupervisionEvent(ctx context.Context, kind, taskID, queueName, code, message string, value float64) error
	WriteRejectedRecord(ctx context.Context, taskID, entityType, sourceID, field, code, message string) error
}

// Thresholds configure when crossings emit events.
type Thresholds struct {
	QueueDepthWarn   int64
	ErrorRateWarn    float64
	StalledLeaseWarn time.Duration
}

// DefaultThresholds returns the default alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueDepthWarn:   5000,
		ErrorRateWarn:    0.2,
		StalledLeaseWarn: 5 * time.Minute,
	}
}

// taskStat is the latest progress report of one in-flight task.
type taskStat struct {
	taskID     string
	percent    float64
	message    string
	counters   models.RunCounters
	lastUpdate time.Time
}

// errorWindow counts outcomes over a sliding window.
type errorWindow struct {
	start    time.Time
	total    int
	failures int
}

// Supervisor collects progress and derives health. It implements both
// the worker progress sink and the sync event interfaces.
type Supervisor struct {
	mu       sync.Mutex
	tasks    map[string]*taskStat
	window   errorWindow
	workers  map[string]time.Time // workerID -> last heartbeat
	sequence uint64

	queue      queue.Queue
	sink       EventWriter
	thresholds Thresholds
	logger     *logging.Logger

	subscribersMu sync.Mutex
	subscribers   []chan Event
}

// Event is one push-surface notification with a monotonic sequence
// per supervisor, used by clients to reconnect-and-replay.
type Event struct {
	Sequence uint64                 `json:"sequence"`
	Channel  string                 `json:"channel"`
	TaskID   string                 `json:"task_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Push channels.
const (
	ChannelSyncProgress   = "sync_progress"
	ChannelSyncCompleted  = "sync_completed"
	ChannelSyncFailed     = "sync_failed"
	ChannelNewProduct     = "new_product"
	ChannelProductUpdated = "product_updated"
	ChannelSystemStatus   = "system_status"
)

// New creates a supervisor. sink may be nil.
func New(q queue.Queue, sink EventWriter, thresholds Thresholds) *Supervisor {
	return &Supervisor{
		tasks:      make(map[string]*taskStat),
		workers:    make(map[string]time.Time),
		queue:      q,
		sink:       sink,
		thresholds: thresholds,
		logger:     logging.GetGlobalLogger().WithComponent("supervise"),
		window:     errorWindow{start: time.Now()},
	}
}

// Subscribe returns a bounded event channel. Slow consumers have
// events dropped, not buffered indefinitely.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	s.subscribersMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subscribersMu.Unlock()

	cancel := func() {
		s.subscribersMu.Lock()
		defer s.subscribersMu.Unlock()
		for i, sub := range s.subscribers {
			if sub == ch {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// publish fans an event out without blocking.
func (s *Supervisor) publish(channel, taskID string, payload map[string]interface{}) {
	s.mu.Lock()
	s.sequence++
	event := Event{
		Sequence: s.sequence,
		Channel:  channel,
		TaskID:   taskID,
		Payload:  payload,
		At:       time.Now().UTC(),
	}
	s.mu.Unlock()

	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- event:
		default:
			// Bounded mailbox: drop for slow consumers
		}
	}
}

// TaskProgress implements the worker progress sink.
func (s *Supervisor) TaskProgress(taskID string, percent float64, message string, counters models.RunCounters) {
	s.mu.Lock()
	s.tasks[taskID] = &taskStat{
		taskID: taskID, percent: percent, message: message,
		counters: counters, lastUpdate: time.Now(),
	}
	s.mu.Unlock()

	s.publish(ChannelSyncProgress, taskID, map[string]interface{}{
		"percent":  percent,
		"message":  message,
		"counters": counters,
	})
}

// Heartbeat records a worker liveness signal.
func (s *Supervisor) Heartbeat(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = time.Now()
}

// RunProgress implements sync.Events.
func (s *Supervisor) RunProgress(run *models.SyncRun) {
	s.TaskProgress(run.TaskID, run.Progress, "syncing", run.Counters)
}

// RunCompleted implements sync.Events.
func (s *Supervisor) RunCompleted(run *models.SyncRun) {
	s.recordOutcome(run, false)
	s.publish(ChannelSyncCompleted, run.TaskID, map[string]interface{}{
		"counters": run.Counters,
		"duration": run.DurationSeconds,
	})
	s.writeEvent("run_completed", run.TaskID, "", "", float64(run.Counters.Success))
}

// RunFailed implements sync.Events.
func (s *Supervisor) RunFailed(run *models.SyncRun) {
	s.recordOutcome(run, true)
	s.publish(ChannelSyncFailed, run.TaskID, map[string]interface{}{
		"counters":     run.Counters,
		"error_digest": run.ErrorDigest,
	})
	s.writeEvent("run_failed", run.TaskID, "", "", float64(run.Counters.Failed))
}

// RunCancelled implements sync.Events.
func (s *Supervisor) RunCancelled(run *models.SyncRun) {
	s.publish(ChannelSystemStatus, run.TaskID, map[string]interface{}{"status": "cancelled"})
	s.writeEvent("run_cancelled", run.TaskID, "", "", 0)
}

// ProductUpserted implements sync.Events.
func (s *Supervisor) ProductUpserted(sourceID string, created bool) {
	channel := ChannelProductUpdated
	if created {
		channel = ChannelNewProduct
	}
	s.publish(channel, "", map[string]interface{}{"source_id": sourceID})
}

// RecordRejected implements sync.Events.
func (s *Supervisor) RecordRejected(taskID, entityType, sourceID string, diags []validate.Diagnostic) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, d := range diags {
		if err := s.sink.WriteRejectedRecord(ctx, taskID, entityType, sourceID, d.Field, d.Code, d.Message); err != nil {
			s.logger.WithError(err).Debug("Failed to write rejected record")
			return
		}
	}
}

// recordOutcome feeds the error-rate window and emits on crossings.
func (s *Supervisor) recordOutcome(run *models.SyncRun, failed bool) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.window.start) > 15*time.Minute {
		s.window = errorWindow{start: now}
	}
	s.window.total++
	if failed {
		s.window.failures++
	}
	rate := float64(s.window.failures) / float64(s.window.total)
	total := s.window.total
	delete(s.tasks, run.TaskID)
	s.mu.Unlock()

	if total >= 5 && rate > s.thresholds.ErrorRateWarn {
		s.logger.WithFields(map[string]interface{}{
			"rate":  rate,
			"total": total,
		}).Warn("Run error rate above threshold")
		s.writeEvent("error_rate_high", "", "", "", rate)
	}
}

// writeEvent forwards to the observability port, when configured.
func (s *Supervisor) writeEvent(kind, taskID, queueName, code string, value float64) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sink.WriteSupervisionEvent(ctx, kind, taskID, queueName, code, "", value); err != nil {
		s.logger.WithError(err).Debug("Failed to write supervision event")
	}
}

// Snapshot is the aggregate health view for the dashboard and CLI.
type Snapshot struct {
	ActiveWorkers int                    `json:"active_workers"`
	ActiveTasks   []TaskSnapshot         `json:"active_tasks"`
	QueueDepths   []queue.Depth          `json:"queue_depths"`
	ErrorRate     float64                `json:"error_rate"`
	WindowTotal   int                    `json:"window_total"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// TaskSnapshot is one in-flight task's progress.
type TaskSnapshot struct {
	TaskID     string             `json:"task_id"`
	Percent    float64            `json:"percent"`
	Message    string             `json:"message"`
	Counters   models.RunCounters `json:"counters"`
	LastUpdate time.Time          `json:"last_update"`
	Stalled    bool               `json:"stalled"`
}

// Snapshot builds the current aggregate view.
func (s *Supervisor) Snapshot(ctx context.Context) (*Snapshot, error) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		depths = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := &Snapshot{
		QueueDepths: depths,
		GeneratedAt: now.UTC(),
		WindowTotal: s.window.total,
	}
	if s.window.total > 0 {
		snap.ErrorRate = float64(s.window.failures) / float64(s.window.total)
	}

	for workerID, last := range s.workers {
		if now.Sub(last) < time.Minute {
			snap.ActiveWorkers++
		} else {
			delete(s.workers, workerID)
		}
	}

	for _, stat := range s.tasks {
		snap.ActiveTasks = append(snap.ActiveTasks, TaskSnapshot{
			TaskID:     stat.taskID,
			Percent:    stat.percent,
			Message:    stat.message,
			Counters:   stat.counters,
			LastUpdate: stat.lastUpdate,
			Stalled:    now.Sub(stat.lastUpdate) > s.thresholds.StalledLeaseWarn,
		})
	}

	for _, d := range depths {
		if d.Ready > s.thresholds.QueueDepthWarn {
			s.logger.WithFields(map[string]interface{}{
				"queue": d.Queue,
				"depth": d.Ready,
			}).Warn("Queue depth above threshold")
			s.writeEventLocked("queue_depth_high", d.Queue, float64(d.Ready))
		}
	}

	return snap, nil
}

// writeEventLocked is writeEvent for callers already holding s.mu.
func (s *Supervisor) writeEventLocked(kind, queueName string, value float64) {
	if s.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.sink.WriteSupervisionEvent(ctx, kind, "", queueName, "", "", value)
	}()
}
