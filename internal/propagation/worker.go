package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slotResult is the outcome of propagating one arena slot.
type slotResult struct {
	slot int
	err  error
}

// WorkerPool manages a fixed number of goroutines for parallel propagation.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{workers: workers, logger: logger}
}

// Workers returns the pool size.
func (wp *WorkerPool) Workers() int { return wp.workers }

// fill propagates every enabled slot of a to t. Each worker writes only the
// slots it was handed, so the arena needs no locking. Failed slots are
// disabled for the rest of the arena's life and returned.
func (wp *WorkerPool) fill(ctx context.Context, a *Arena, t time.Time) ([]SlotError, error) {
	jobs := make(chan int, wp.workers*2)
	results := make(chan slotResult, wp.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				sv, err := a.orbits[slot].StateAt(t)
				if err == nil {
					a.states[slot] = sv
				}
				select {
				case results <- slotResult{slot: slot, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for slot := range a.orbits {
			if !a.enabled[slot] {
				continue
			}
			select {
			case jobs <- slot:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var failed []SlotError
	for res := range results {
		if res.err != nil {
			failed = append(failed, SlotError{Slot: res.slot, ObjectID: a.orbits[res.slot].ID(), Err: res.err})
		}
	}

	for _, f := range failed {
		a.enabled[f.Slot] = false
		wp.logger.Warn("propagation failed, object excluded",
			"object_id", f.ObjectID,
			"time", t.UTC().Format(time.RFC3339),
			"error", f.Err,
		)
	}

	return failed, ctx.Err()
}
