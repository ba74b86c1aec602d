// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks which line ranges an agent session has read, so
// that line-based edits can insist on a prior read of exactly that range.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStaleRead is wrapped by *StaleReadError.
var ErrStaleRead = errors.New("stale read")

// StaleReadError reports a line-range edit without a matching prior read.
type StaleReadError struct {
	File  string
	Start int
	End   int
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("lines %d-%d of %s must be read before they are edited; read them again", e.Start, e.End, e.File)
}

func (e *StaleReadError) Unwrap() error { return ErrStaleRead }

// ReadRange is one recorded read of lines [Start, End] of a file.
type ReadRange struct {
	Start int       `json:"start"`
	End   int       `json:"end"`
	At    time.Time `json:"at"`
}

// Tracker records read ranges for one session. Ranges are kept in memory
// only.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Tracker struct {
	id      string
	started time.Time

	mu     sync.Mutex
	ranges map[string][]ReadRange
	now    func() time.Time
}

// NewTracker starts a session with a fresh id.
func NewTracker() *Tracker {
	return &Tracker{
		id:      uuid.NewString(),
		started: time.Now(),
		ranges:  make(map[string][]ReadRange),
		now:     time.Now,
	}
}

// ID returns the session id.
func (t *Tracker) ID() string { return t.id }

// Started returns when the session began.
func (t *Tracker) Started() time.Time { return t.started }

// Record notes that lines [start, end] of file were read. Re-reading a
// range refreshes its timestamp.
func (t *Tracker) Record(file string, start, end int) {
	key := normalize(file)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for i, r := range t.ranges[key] {
		if r.Start == start && r.End == end {
			t.ranges[key][i].At = now
			return
		}
	}
	t.ranges[key] = append(t.ranges[key], ReadRange{Start: start, End: end, At: now})
}

// Check succeeds only if exactly [start, end] was recorded for file since
// the file was last modified.
//
// Errors:
//
//	*StaleReadError - no matching read
func (t *Tracker) Check(file string, start, end int) error {
	key := normalize(file)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.ranges[key] {
		if r.Start == start && r.End == end {
			return nil
		}
	}
	return &StaleReadError{File: file, Start: start, End: end}
}

// ClearFile forgets every range recorded for file. Other files keep theirs.
func (t *Tracker) ClearFile(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ranges, normalize(file))
}

// ClearFileBefore forgets the ranges of file recorded before the given time.
// Reads taken at or after it stay valid.
func (t *Tracker) ClearFileBefore(file string, before time.Time) {
	key := normalize(file)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.ranges[key][:0]
	for _, r := range t.ranges[key] {
		if !r.At.Before(before) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(t.ranges, key)
		return
	}
	t.ranges[key] = kept
}

// Ranges returns the recorded ranges of file ordered by start line.
func (t *Tracker) Ranges(file string) []ReadRange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]ReadRange(nil), t.ranges[normalize(file)]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// Files returns the files with at least one recorded range, sorted.
func (t *Tracker) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.ranges))
	for f := range t.ranges {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = make(map[string][]ReadRange)
}

func normalize(file string) string {
	return filepath.ToSlash(filepath.Clean(file))
}
