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
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLabel names tasks issued without a label.
const DefaultLabel = "unnamed"

// Options configures a Scheduler.
type Options struct {
	// Logger receives task failures and late completions. Nil uses slog.Default().
	Logger *slog.Logger

	// Registerer receives the scheduler metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler runs tasks one at a time in submission order.
//
// Description:
//
//	A single worker goroutine drains an unbounded FIFO queue. A task starts
//	only after the previous one has returned, so a fast task submitted after
//	a slow one never observes state before the slow one is done. Each task
//	has its own Handle: a failure rejects that handle only and the queue
//	moves on.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Scheduler struct {
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	queue   []*task
	running *task
	stopped bool
	wake    chan struct{}

	seq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler and starts its worker.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:  logger,
		metrics: NewMetrics(opts.Registerer),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.work()
	return s
}

// Issue enqueues fn and returns its handle.
//
// Description:
//
//	The task is named "Task-<seq>[<label>]" with seq starting at 1. An
//	empty label becomes DefaultLabel. fn receives a context that is only
//	cancelled when Stop gives up waiting for it.
//
// Inputs:
//
//	s - The scheduler
//	label - Short description used in the task name
//	fn - The work. Its result resolves the handle.
//
// Outputs:
//
//	*Handle[T] - Resolves when fn returns. Already rejected with
//	ErrStopped if the scheduler is stopped.
func Issue[T any](s *Scheduler, label string, fn func(ctx context.Context) (T, error)) *Handle[T] {
	if label == "" {
		label = DefaultLabel
	}
	t := &task{
		name: fmt.Sprintf("Task-%d[%s]", s.seq.Add(1), label),
		run: func(ctx context.Context) (interface{}, error) {
			return fn(ctx)
		},
		done:     make(chan struct{}),
		enqueued: time.Now(),
	}
	h := &Handle[T]{t: t, metrics: s.metrics}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.finish(nil, ErrStopped)
		return h
	}
	s.queue = append(s.queue, t)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.setQueueDepth(depth)
	s.signal()
	return h
}

// Issue enqueues an untyped task. See the package-level Issue.
func (s *Scheduler) Issue(label string, fn func(ctx context.Context) (interface{}, error)) *Handle[interface{}] {
	return Issue(s, label, fn)
}

// Run issues fn and waits for it, bounded by timeout when positive.
func Run[T any](s *Scheduler, label string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return Issue(s, label, fn).ResultWithin(timeout)
}

// QueueLen returns the number of tasks waiting to run.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running returns the name of the task currently executing, or "".
func (s *Scheduler) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return ""
	}
	return s.running.name
}

// Stop rejects queued tasks with ErrStopped and waits for the running one.
//
// Description:
//
//	Tasks issued afterwards are rejected immediately. If ctx ends before
//	the running task returns, the task's context is cancelled and Stop
//	returns ctx.Err() without waiting further.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.stopped = true
	s.mu.Unlock()

	s.metrics.setQueueDepth(0)
	for _, t := range pending {
		t.finish(nil, ErrStopped)
		s.metrics.recordTask(outcomeStopped, 0)
	}
	s.signal()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue, or reports that the worker should exit.
func (s *Scheduler) next() (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		s.running = nil
		return nil, !s.stopped
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.running = t
	s.metrics.setQueueDepth(len(s.queue))
	return t, true
}

func (s *Scheduler) work() {
	defer close(s.done)

	for {
		t, ok := s.next()
		if !ok {
			return
		}
		if t == nil {
			<-s.wake
			continue
		}
		s.execute(t)
	}
}

// execute runs one task and resolves its handle.
func (s *Scheduler) execute(t *task) {
	s.metrics.recordWait(time.Since(t.enqueued))
	start := time.Now()

	value, err := s.invoke(t)
	elapsed := time.Since(start)

	outcome := outcomeOK
	switch {
	case err == nil:
	case isPanic(err):
		outcome = outcomePanic
		s.logger.Error("task panicked",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
	default:
		outcome = outcomeError
		s.logger.Warn("task failed",
			slog.String("task", t.name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	}
	s.metrics.recordTask(outcome, elapsed)

	if t.finish(value, err) {
		return
	}
	s.logger.Info("task completed after its caller timed out",
		slog.String("task", t.name),
		slog.Duration("elapsed", elapsed),
		slog.String("outcome", outcome),
	)
}

func (s *Scheduler) invoke(t *task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Task: t.name, Value: r, Stack: debug.Stack()}
		}
	}()
	return t.run(s.ctx)
}

func isPanic(err error) bool {
	_, ok := err.(*PanicError)
	return ok
}
