// Package worker implements the task runtime: the handler registry
// with composed middleware, the task context, retry classification
// and the worker pool that drains the durable queue.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
)

// Handler executes one task. Handlers must be idempotent: at-least-once
// delivery means a crashed attempt can be re-run from its checkpoint.
type Handler func(ctx context.Context, tc *TaskContext) error

// Middleware wraps a handler with cross-cutting behavior. Wrapping
// happens once at registration time, not per call.
type Middleware func(name string, next Handler) Handler

// Registration couples a handler with its runtime options.
type Registration struct {
	Name        string
	Handler     Handler
	Retry       RetryPolicy
	SoftTimeout time.Duration
}

// Registry maps symbolic task names to registered handlers.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]*Registration
	middlewares []Middleware
}

// NewRegistry creates a registry with the standard middleware chain:
// panic recovery, logging and execution timing.
func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]*Registration),
		middlewares: []Middleware{RecoveryMiddleware, LoggingMiddleware},
	}
}

// Use appends a middleware applied to handlers registered afterwards.
func (r *Registry) Use(m Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m)
}

// RegisterOptions tune one handler registration.
type RegisterOptions struct {
	Retry       *RetryPolicy
	SoftTimeout time.Duration
}

// Register binds a task name to a handler, composing the middleware
// chain around it.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &Registration{
		Name:        name,
		Retry:       DefaultRetryPolicy(),
		SoftTimeout: 10 * time.Minute,
	}
	if len(opts) > 0 {
		if opts[0].Retry != nil {
			reg.Retry = *opts[0].Retry
		}
		if opts[0].SoftTimeout > 0 {
			reg.SoftTimeout = opts[0].SoftTimeout
		}
	}

	// Outermost middleware runs first
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](name, h)
	}
	reg.Handler = h
	r.handlers[name] = reg
}

// Lookup resolves a task name.
func (r *Registry) Lookup(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, apperrors.ErrMalformed.WithDetail("task_name", name)
	}
	return reg, nil
}

// Names returns all registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// RecoveryMiddleware converts handler panics into errors so one bad
// task cannot take the worker down.
func RecoveryMiddleware(name string, next Handler) Handler {
	return func(ctx context.Context, tc *TaskContext) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"task":  name,
					"panic": fmt.Sprintf("%v", rec),
					"stack": string(debug.Stack()),
				}).Error("Task handler panicked")
				err = fmt.Errorf("task %s panicked: %v", name, rec)
			}
		}()
		return next(ctx, tc)
	}
}

// LoggingMiddleware logs task start, completion and duration.
func LoggingMiddleware(name string, next Handler) Handler {
	return func(ctx context.Context, tc *TaskContext) error {
		logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
			"task":    name,
			"work_id": tc.WorkID,
			"attempt": tc.Attempt,
		})
		ctx = logging.WithLogger(ctx, logger)

		start := time.Now()
		logger.Debug("Task started")

		err := next(ctx, tc)

		duration := time.Since(start)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"duration": duration.String(),
				"code":     apperrors.CodeOf(err),
			}).Warn("Task failed")
		} else {
			logger.WithField("duration", duration.String()).Info("Task completed")
		}
		return err
	}
}
