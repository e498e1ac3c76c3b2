// Package scheduler emits work into the durable queue on cron,
// interval and delayed triggers. At most one scheduler instance fires
// at a time, enforced by a named leader lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/robfig/cron/v3"
)

// EntryKind is the trigger type of a schedule entry.
type EntryKind string

const (
	KindInterval EntryKind = "interval"
	KindCron     EntryKind = "cron"
	KindDelayed  EntryKind = "delayed"
)

// Entry is one named schedule.
type Entry struct {
	Name     string
	TaskName string
	Args     interface{}
	Queue    string
	Priority types.Priority
	Kind     EntryKind

	// Interval entries
	Period time.Duration
	Jitter time.Duration

	// Cron entries
	CronExpr string
	Location *time.Location

	// Delayed entries
	At time.Time

	schedule cron.Schedule
	lastFire time.Time
	nextFire time.Time
	done     bool
}

// Scheduler owns the schedule table and the singleton lease.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*Entry

	queue  queue.Queue
	lease  *storage.LeaderLease
	leader bool
	logger *logging.Logger

	tick time.Duration
	now  func() time.Time
	rng  *rand.Rand
}

// LeaseName is the well-known scheduler election lease.
const LeaseName = "scheduler"

// New creates a scheduler. The lease may be nil for embedded use in
// tests, in which case the instance always fires.
func New(q queue.Queue, lease *storage.LeaderLease, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		entries: make(map[string]*Entry),
		queue:   q,
		lease:   lease,
		logger:  logging.GetGlobalLogger().WithComponent("scheduler"),
		tick:    tick,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddInterval registers an entry firing every period with +/-jitter.
// Jitter is clamped to period/4.
func (s *Scheduler) AddInterval(name, taskName string, args interface{}, q string, prio types.Priority, period, jitter time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	if jitter > period/4 {
		jitter = period / 4
	}
	entry := &Entry{
		Name: name, TaskName: taskName, Args: args, Queue: q, Priority: prio,
		Kind: KindInterval, Period: period, Jitter: jitter,
	}
	entry.nextFire = s.now().Add(s.jittered(period, jitter))
	return s.add(entry)
}

// AddCron registers a 5-field cron entry evaluated in the given
// timezone. Fires missed during downtime coalesce into a single fire.
func (s *Scheduler) AddCron(name, taskName string, args interface{}, q string, prio types.Priority, expr string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", expr, err)
	}
	entry := &Entry{
		Name: name, TaskName: taskName, Args: args, Queue: q, Priority: prio,
		Kind: KindCron, CronExpr: expr, Location: loc, schedule: schedule,
	}
	entry.nextFire = schedule.Next(s.now().In(loc))
	return s.add(entry)
}

// AddDelayed registers a single-shot entry.
func (s *Scheduler) AddDelayed(name, taskName string, args interface{}, q string, prio types.Priority, at time.Time) error {
	entry := &Entry{
		Name: name, TaskName: taskName, Args: args, Queue: q, Priority: prio,
		Kind: KindDelayed, At: at,
	}
	entry.nextFire = at
	return s.add(entry)
}

func (s *Scheduler) add(entry *Entry) error {
	if entry.Queue == "" {
		entry.Queue = types.QueueDefault
	}
	if !entry.Priority.Valid() {
		entry.Priority = types.PriorityNormal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Name]; exists {
		return fmt.Errorf("schedule entry %s already exists", entry.Name)
	}
	s.entries[entry.Name] = entry
	return nil
}

// Remove deletes a schedule entry.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

func (s *Scheduler) jittered(period, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return period
	}
	offset := time.Duration(s.rng.Int63n(int64(2*jitter))) - jitter
	return period + offset
}

// Run ticks until the context ends. Non-leaders keep retrying the
// lease; a lost lease steps the instance down.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	defer func() {
		if s.leader && s.lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = s.lease.Release(releaseCtx)
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.ensureLeader(ctx) {
				continue
			}
			s.FireDue(ctx)
		}
	}
}

// ensureLeader acquires or renews the singleton lease.
func (s *Scheduler) ensureLeader(ctx context.Context) bool {
	if s.lease == nil {
		return true
	}
	if s.leader {
		ok, err := s.lease.Renew(ctx)
		if err != nil || !ok {
			s.logger.Warn("Scheduler lease lost, stepping down")
			s.leader = false
			return false
		}
		return true
	}
	ok, err := s.lease.TryAcquire(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Scheduler lease acquisition failed")
		return false
	}
	if ok {
		s.logger.Info("Scheduler became leader")
		s.leader = true
	}
	return ok
}

// FireDue enqueues every due entry once and advances its next fire
// time. Fire times are monotonic per entry; missed cron fires during
// downtime collapse into one.
func (s *Scheduler) FireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Entry
	for _, entry := range s.entries {
		if !entry.done && !entry.nextFire.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.fire(ctx, entry, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *Entry, now time.Time) {
	_, err := s.queue.Enqueue(ctx, entry.TaskName, entry.Args, queue.EnqueueOptions{
		Queue:    entry.Queue,
		Priority: entry.Priority,
	})
	if err != nil {
		if errors.Is(err, queue.ErrBackpressure) {
			// Producer pause: keep the entry due and retry next tick
			s.logger.WithField("entry", entry.Name).Warn("Fire deferred by backpressure")
			return
		}
		s.logger.WithError(err).WithField("entry", entry.Name).Error("Failed to enqueue scheduled work")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.lastFire = now
	switch entry.Kind {
	case KindDelayed:
		entry.done = true
	case KindInterval:
		entry.nextFire = now.Add(s.jittered(entry.Period, entry.Jitter))
	case KindCron:
		// Next is computed from now, so downtime yields one catch-up
		// fire instead of a storm
		entry.nextFire = entry.schedule.Next(now.In(entry.Location))
	}

	s.logger.WithFields(map[string]interface{}{
		"entry": entry.Name,
		"task":  entry.TaskName,
		"next":  entry.nextFire.Format(time.RFC3339),
	}).Info("Schedule fired")
}

// NextFire reports the next fire time of an entry, for status output.
func (s *Scheduler) NextFire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok || entry.done {
		return time.Time{}, false
	}
	return entry.nextFire, true
}
