// Package workpool runs blocking analysis tasks off the command hot path.
//
// Solver searches and large graph traversals are the only engine operations
// expected to block for non-trivial time. The pool bounds how many run at
// once and converts an overrun of the hard timeout into ErrTimeout so callers
// degrade to Unknown or partial results instead of hanging the pipeline.
package workpool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout indicates a task exceeded the pool's hard timeout.
var ErrTimeout = errors.New("task exceeded worker pool timeout")

// Pool is a bounded worker pool with a per-task hard timeout.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New creates a pool running at most size tasks concurrently, each bounded by
// timeout. size below 1 is treated as 1; timeout <= 0 disables the bound.
func New(size int, timeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), timeout: timeout}
}

// Do acquires a worker slot and runs fn with a deadline-bounded context. When
// the deadline fires before fn finishes, Do returns ErrTimeout; the task's
// context is cancelled so a cooperative fn stops promptly.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil {
		return errors.New("worker pool is required")
	}
	if fn == nil {
		return errors.New("task is required")
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(taskCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrTimeout
		}
		return taskCtx.Err()
	}
}
