package importer

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Executor errors.
var (
	ErrExecutorClosed = errors.New("executor is shut down")
	ErrExecutorBusy   = errors.New("too many imports in progress")
)

// Executor runs detached import jobs in the background.
//
// Jobs outlive the request that submitted them. There is no cancellation of a
// running job; Shutdown stops intake and waits for in-flight jobs.
type Executor struct {
	group    errgroup.Group
	mu       sync.Mutex
	closed   bool
	inflight atomic.Int64
	logger   *slog.Logger
}

// NewExecutor creates an Executor. maxConcurrent <= 0 means unlimited.
func NewExecutor(maxConcurrent int, logger *slog.Logger) *Executor {
	e := &Executor{logger: logger}

	if maxConcurrent > 0 {
		e.group.SetLimit(maxConcurrent)
	}

	return e
}

// Submit starts task in the background. It never blocks: when the concurrency
// limit is reached ErrExecutorBusy is returned and task is not run.
func (e *Executor) Submit(name string, task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}

	started := e.group.TryGo(func() error {
		e.inflight.Add(1)
		defer e.inflight.Add(-1)

		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("Background task panicked",
					slog.String("task", name),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
			}
		}()

		task()

		return nil
	})
	if !started {
		return ErrExecutorBusy
	}

	return nil
}

// InFlight returns the number of running tasks.
func (e *Executor) InFlight() int64 {
	return e.inflight.Load()
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	_ = e.group.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached with imports still running",
			slog.Int64("in_flight", e.InFlight()))

		return ctx.Err()
	}
}
