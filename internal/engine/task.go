package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/star/orbitguard/internal/fault"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a handle on background work. The result is set once, before Done
// is closed, and never changes afterwards.
type Task[T any] struct {
	ID      string
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished time.Time
	result   T
	err      error
}

// startTask runs fn in its own goroutine under a child of parent. Any
// context error from fn is reported as fault.Cancelled. An empty id gets a
// fresh UUID.
func startTask[T any](parent context.Context, id string, fn func(ctx context.Context) (T, error)) *Task[T] {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{
		ID:      id,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer cancel()
		res, err := fn(ctx)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !errors.Is(err, fault.ErrCancelled) {
			err = fault.Wrap(fault.Cancelled, err)
		}
		t.mu.Lock()
		t.result, t.err = res, err
		t.finished = time.Now()
		t.mu.Unlock()
		close(t.done)
	}()
	return t
}

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop. A cancelled task finishes with a
// fault.Cancelled error and no result.
func (t *Task[T]) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx ends. Giving up on ctx does
// not cancel the task.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, fault.Wrap(fault.Cancelled, ctx.Err())
	}
}

// Poll returns the result without blocking; ok is false while the task
// runs.
func (t *Task[T]) Poll() (res T, ok bool, err error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, true, t.err
	default:
		return res, false, nil
	}
}

// Status summarizes the task's state.
func (t *Task[T]) Status() TaskStatus {
	_, ok, err := t.Poll()
	switch {
	case !ok:
		return TaskRunning
	case err == nil:
		return TaskDone
	case errors.Is(err, fault.ErrCancelled):
		return TaskCancelled
	default:
		return TaskFailed
	}
}

// Elapsed is the run time so far, or the total run time once finished.
func (t *Task[T]) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished.IsZero() {
		return time.Since(t.Started)
	}
	return t.finished.Sub(t.Started)
}
