// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"sync"
	"time"
)

// task is one queued unit of work.
type task struct {
	name     string
	run      func(ctx context.Context) (interface{}, error)
	enqueued time.Time

	mu       sync.Mutex
	done     chan struct{}
	finished bool
	value    interface{}
	err      error
	rejected *TimeoutError
}

// finish resolves the task. It reports false when a caller had already
// given up on it, in which case the outcome is not observable.
func (t *task) finish(value interface{}, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return false
	}
	t.finished = true
	t.value = value
	t.err = err
	close(t.done)
	return t.rejected == nil
}

// reject marks the task as timed out for its caller, unless it already
// finished. The returned error is the one every later wait reports.
func (t *task) reject(timeout time.Duration) (*TimeoutError, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rejected != nil {
		return t.rejected, true
	}
	if t.finished {
		return nil, false
	}
	t.rejected = &TimeoutError{Task: t.name, Timeout: timeout}
	return t.rejected, true
}

// outcome returns the resolved value, or the timeout that rejected it.
func (t *task) outcome() (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected != nil {
		return nil, t.rejected
	}
	return t.value, t.err
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle is the caller's view of one issued task.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Handle[T any] struct {
	t       *task
	metrics *Metrics
}

// Name returns the task name, e.g. "Task-7[overview]".
func (h *Handle[T]) Name() string {
	return h.t.name
}

// Done is closed when the task has returned.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.t.done
}

// Result waits for the task without a bound other than ctx.
//
// Errors:
//
//	The task's own error, *PanicError, ErrStopped, *TimeoutError once an
//	earlier ResultWithin rejected the handle, or ctx.Err().
func (h *Handle[T]) Result(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-h.t.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	return h.resolve()
}

// ResultWithin waits at most timeout for the task.
//
// Description:
//
//	When the bound elapses the handle is rejected with *TimeoutError naming
//	the task and the bound. The task is not cancelled; it keeps running and
//	its eventual result is discarded. A rejected handle stays rejected.
//	A non-positive timeout waits without bound.
func (h *Handle[T]) ResultWithin(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return h.Result(context.Background())
	}

	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.t.done:
		return h.resolve()
	case <-timer.C:
	}

	rejected, ok := h.t.reject(timeout)
	if !ok {
		// Finished while the timer fired.
		return h.resolve()
	}
	h.metrics.recordHandleTimeout()
	return zero, rejected
}

func (h *Handle[T]) resolve() (T, error) {
	var zero T
	value, err := h.t.outcome()
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	v, ok := value.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}
