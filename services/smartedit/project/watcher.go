// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change seen on a file.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

// String returns the lower-case operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one debounced file system change.
type Change struct {
	// Path is relative to the project root, slash-separated.
	Path string
	Op   Op
	Time time.Time
}

// ChangeHandler receives batches of changes, at most one change per path.
type ChangeHandler func(changes []Change)

// Watcher reports changes to non-ignored files below the project root.
//
// Description:
//
//	Directories are watched recursively; directories created later are
//	added as they appear. Events are collected until the debounce window
//	passes without a new one, then handed over as one batch.
//
// Thread Safety:
//
//	Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	project  *Project
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	changes  chan Change
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher. Call Start to begin watching.
//
// Inputs:
//
//	p - The project to watch.
//	debounce - Quiet period before a batch is delivered. Zero uses 100ms.
//	handler - Receives each batch.
//	logger - Logger. Nil uses slog.Default().
func NewWatcher(p *Project, debounce time.Duration, handler ChangeHandler, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		project:  p,
		watcher:  fw,
		handler:  handler,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan Change, 1024),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start adds the project directories and begins delivering changes.
// Starting twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.project.Root()); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.processEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		w.debounceLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(w.stopped)
	}()
	return nil
}

// Stop ends watching and waits for a pending batch to be delivered.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()

		w.mu.Lock()
		started := w.watching
		w.watching = false
		w.mu.Unlock()

		if started {
			<-w.stopped
		}
	})
}

// IsWatching reports whether the watcher is running.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if rel, relErr := w.project.RelPath(path); relErr == nil && w.project.IsIgnoredPath(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			rel, err := w.project.RelPath(event.Name)
			if err != nil || rel == "" || w.project.IsIgnoredPath(rel) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Debug("watch new directory failed",
							slog.String("path", rel),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
			}

			select {
			case w.changes <- Change{Path: rel, Op: convertOp(event.Op), Time: time.Now()}:
			default:
				w.logger.Warn("file change buffer full, dropping event", slog.String("path", rel))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(dedupe(batch))
		}
		batch = nil
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case c := <-w.changes:
			batch = append(batch, c)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the latest change per path, in order of first appearance.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
