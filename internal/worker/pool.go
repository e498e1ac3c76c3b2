package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int
	Queues       []string
	LeaseTTL     time.Duration
	PollInterval time.Duration

	// ReaperInterval controls how often expired leases are requeued.
	ReaperInterval time.Duration
}

// Pool runs N workers that lease work from the bound queues, dispatch
// to registered handlers and settle the lease by the retry policy.
type Pool struct {
	cfg      PoolConfig
	queue    queue.Queue
	store    storage.Store
	registry *Registry
	sink     ProgressSink
	logger   *logging.Logger

	workerID string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]string // workID -> taskName
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, q queue.Queue, store storage.Store, registry *Registry, sink ProgressSink) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 10 * time.Second
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		registry: registry,
		sink:     sink,
		logger:   logging.GetGlobalLogger().WithComponent("worker_pool"),
		workerID: "worker-" + uuid.NewString()[:8],
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]string),
	}
}

// WorkerID returns the pool's worker identity used on lease tokens.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// InFlight returns the number of currently executing tasks.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Start launches the worker loops and the lease reaper. It returns
// immediately; Stop drains in-flight work.
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithFields(map[string]interface{}{
		"worker_id": p.workerID,
		"workers":   p.cfg.Workers,
		"queues":    p.cfg.Queues,
	}).Info("Worker pool starting")

	p.wg.Add(1)
	go p.reaperLoop(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop stops leasing, waits for in-flight tasks to finish and returns.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// reaperLoop periodically requeues expired leases.
func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.RequeueExpired(ctx)
			if err != nil {
				p.logger.WithError(err).Warn("Failed to requeue expired leases")
				continue
			}
			if n > 0 {
				p.logger.WithField("count", n).Warn("Requeued expired leases")
			}
		}
	}
}

// workerLoop is one worker's lease-dispatch-settle cycle.
func (p *Pool) workerLoop(ctx context.Context, n int) {
	defer p.wg.Done()

	backoff := p.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		lease, err := p.queue.Lease(ctx, p.cfg.Queues, p.workerID, p.cfg.LeaseTTL)
		if err != nil {
			// Systemic failure: pause the lease loop with backoff
			p.logger.WithError(err).Warn("Lease failed, backing off")
			backoff = minDuration(backoff*2, 30*time.Second)
			if !p.sleep(ctx, backoff) {
				return
			}
			continue
		}
		backoff = p.cfg.PollInterval

		if lease == nil {
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.execute(ctx, lease)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// execute runs one leased work item to completion and settles it.
func (p *Pool) execute(ctx context.Context, lease *queue.Lease) {
	p.mu.Lock()
	p.inFlight[lease.WorkID] = lease.TaskName
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, lease.WorkID)
		p.mu.Unlock()
	}()

	reg, err := p.registry.Lookup(lease.TaskName)
	if err != nil {
		// Unknown task names are terminal; ack to drop the poison pill
		p.logger.WithField("task", lease.TaskName).Error("Unknown task name, dropping work")
		_ = p.queue.Ack(ctx, lease.WorkID, lease.Token)
		return
	}

	tc := newTaskContext(lease, p.store, p.queue, p.cfg.LeaseTTL, p.sink)

	// The soft timeout cancels the handler from inside; the queue
	// lease TTL is the hard boundary enforced from outside.
	taskCtx, cancel := context.WithTimeout(ctx, reg.SoftTimeout)
	defer cancel()

	// Background heartbeats keep the lease alive while the handler runs
	heartbeatDone := make(chan struct{})
	go p.heartbeatLoop(taskCtx, tc, heartbeatDone)

	err = reg.Handler(taskCtx, tc)
	close(heartbeatDone)

	if err == nil {
		if ackErr := p.queue.Ack(ctx, lease.WorkID, lease.Token); ackErr != nil {
			p.logger.WithError(ackErr).WithField("work_id", lease.WorkID).Warn("Ack failed")
		}
		return
	}

	p.settleFailure(ctx, lease, reg, err)
}

// heartbeatLoop extends the lease at ttl/3 while the handler runs.
func (p *Pool) heartbeatLoop(ctx context.Context, tc *TaskContext, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tc.Heartbeat(ctx); err != nil {
				if errors.Is(err, apperrors.ErrStaleLease) {
					// Lost the lease; the handler's eventual ack will fail
					return
				}
				p.logger.WithError(err).Debug("Heartbeat failed")
			}
		}
	}
}

// settleFailure applies the retry policy to a failed attempt.
func (p *Pool) settleFailure(ctx context.Context, lease *queue.Lease, reg *Registration, taskErr error) {
	if errors.Is(taskErr, context.DeadlineExceeded) {
		taskErr = apperrors.ErrTimeout.WithCause(taskErr)
	}

	decision := reg.Retry.Decide(taskErr, lease.Attempt)
	code := apperrors.CodeOf(taskErr)

	if decision.Retry {
		reason := fmt.Sprintf("%s (attempt %d)", code, lease.Attempt+1)
		if err := p.queue.Nack(ctx, lease.WorkID, lease.Token, reason, decision.Delay); err != nil {
			p.logger.WithError(err).WithField("work_id", lease.WorkID).Warn("Nack failed")
		}
		return
	}

	// Terminal: drop the work; the task's sync run records the digest
	p.logger.WithFields(map[string]interface{}{
		"work_id": lease.WorkID,
		"task":    lease.TaskName,
		"code":    code,
		"attempt": lease.Attempt,
	}).Error("Work is terminal")
	if err := p.queue.Ack(ctx, lease.WorkID, lease.Token); err != nil {
		p.logger.WithError(err).WithField("work_id", lease.WorkID).Warn("Terminal ack failed")
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
