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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStopped is returned for tasks issued after, or still queued at, Stop.
	ErrStopped = errors.New("scheduler is stopped")

	// ErrTaskTimeout is the sentinel wrapped by *TimeoutError.
	ErrTaskTimeout = errors.New("task timed out")
)

// TimeoutError rejects a handle whose task did not finish within the bound
// given to ResultWithin. The task itself keeps running.
type TimeoutError struct {
	// Task is the task name, e.g. "Task-3[find_symbol]".
	Task string

	// Timeout is the bound that elapsed.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Task, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTaskTimeout
}

// PanicError reports a task that panicked. The queue keeps running.
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Task, e.Value)
}
