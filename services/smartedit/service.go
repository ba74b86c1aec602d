// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package smartedit is the symbolic editing backend: language servers
// supply symbol trees, and edits address code by symbol name path or by
// line range.
//
// A Service is the context object of one project. It owns the language
// server manager, the task scheduler, the symbol retriever and cache, the
// editor, the read tracker of the session and the file watcher. Every
// tool-level operation runs as one scheduler task, so operations on a
// project execute one at a time in submission order.
package smartedit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/smartedit/services/smartedit/config"
	"github.com/AleutianAI/smartedit/services/smartedit/editor"
	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/project"
	"github.com/AleutianAI/smartedit/services/smartedit/scheduler"
	"github.com/AleutianAI/smartedit/services/smartedit/session"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol/cache"
)

// =============================================================================
// SERVICE
// =============================================================================

// Deps are optional collaborators. The zero value builds everything from
// the configuration.
type Deps struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives scheduler metrics. Nil disables them.
	Registerer prometheus.Registerer

	// Servers replaces the language server manager. Used by tests and
	// embedders that run servers themselves.
	Servers symbol.Servers
}

// Service exposes the tool-level operations of one project.
//
// Thread Safety:
//
//	Safe for concurrent use. Operations are serialized by the scheduler.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	project   *project.Project
	manager   *lsp.Manager
	sched     *scheduler.Scheduler
	cache     *cache.Cache
	retriever *symbol.Retriever
	editor    *editor.Editor
	tracker   *session.Tracker
	watcher   *project.Watcher

	// written maps a path to the content hash of the service's last write,
	// so watcher events echoing that write are ignored.
	writtenMu sync.Mutex
	written   map[string]string
}

// NewService builds a Service for cfg.ProjectRoot.
//
// Description:
//
//	Opens the symbol cache and starts the file watcher when enabled.
//	Language servers start lazily on first use. A cache that cannot be
//	opened is logged and skipped.
//
// Inputs:
//
//	ctx - Bounds the watcher's lifetime together with Close.
//	cfg - Validated configuration.
//	deps - Optional collaborators.
//
// Outputs:
//
//	*Service - Call Close when done.
//	error - Invalid configuration or unusable project root.
func NewService(ctx context.Context, cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry()
	proj, err := project.New(cfg.ProjectRoot, project.Options{
		IgnoredPaths:  cfg.IgnoredPaths,
		SkipGitignore: cfg.SkipGitignore,
		Registry:      registry,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		project: proj,
		sched:   scheduler.New(scheduler.Options{Logger: logger, Registerer: deps.Registerer}),
		tracker: session.NewTracker(),
		written: make(map[string]string),
	}

	servers := deps.Servers
	if servers == nil {
		s.manager = lsp.NewManager(proj.Root(), registry, cfg.ManagerConfig(), logger)
		s.manager.StartIdleMonitor()
		servers = symbol.ManagerServers(s.manager)
	}

	var symCache symbol.Cache
	if cfg.Cache.Enabled {
		if s.cache, err = openCache(cfg, logger); err != nil {
			logger.Warn("symbol cache disabled", slog.String("error", err.Error()))
		} else {
			symCache = s.cache
		}
	}

	s.retriever = symbol.NewRetriever(servers, proj, symCache, logger)
	s.editor = editor.New(s.retriever, proj, editor.Options{
		Reads:      s.tracker,
		OnModified: s.fileEdited,
		Logger:     logger,
	})

	if cfg.Watch.Enabled {
		if err := s.startWatcher(ctx); err != nil {
			logger.Warn("file watcher disabled", slog.String("error", err.Error()))
		}
	}

	logger.Info("smartedit service started",
		slog.String("root", proj.Root()),
		slog.String("session", s.tracker.ID()),
	)
	return s, nil
}

func openCache(cfg config.Config, logger *slog.Logger) (*cache.Cache, error) {
	if cfg.Cache.InMemory {
		return cache.OpenInMemory()
	}
	cc := cache.DefaultConfig(cfg.CacheDir())
	cc.TTL = cfg.Cache.TTL
	cc.Logger = logger
	return cache.Open(cc)
}

func (s *Service) startWatcher(ctx context.Context) error {
	w, err := project.NewWatcher(s.project, s.cfg.Watch.Debounce, func(changes []project.Change) {
		// Queued behind tool calls so a change is applied in order with
		// the reads and edits around it.
		scheduler.Issue(s.sched, "external_change", func(context.Context) (struct{}, error) {
			for _, c := range changes {
				s.externalChange(c)
			}
			return struct{}{}, nil
		})
	}, s.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Project returns the project the service edits.
func (s *Service) Project() *project.Project { return s.project }

// SessionID identifies the read tracking session.
func (s *Service) SessionID() string { return s.tracker.ID() }

// Tracker returns the read tracker of the session.
func (s *Service) Tracker() *session.Tracker { return s.tracker }

// fileEdited records the content the editor wrote to relPath and then
// forgets state derived from the previous content.
func (s *Service) fileEdited(relPath string) {
	if text, err := s.project.ReadFile(relPath); err == nil {
		s.writtenMu.Lock()
		s.written[relPath] = symbol.ContentHash(text)
		s.writtenMu.Unlock()
	}
	s.markFileModified(relPath)
}

// externalChange handles a file change seen by the watcher.
//
// Description:
//
//	A change whose content matches the service's own last write is the
//	echo of that write and is ignored. Otherwise reads recorded before the
//	change are dropped; reads taken after it saw the new content and stay
//	valid. Derived symbol state is invalidated as for an edit.
func (s *Service) externalChange(c project.Change) {
	text, err := s.project.ReadFile(c.Path)
	if err == nil {
		s.writtenMu.Lock()
		own, ok := s.written[c.Path]
		s.writtenMu.Unlock()
		if ok && own == symbol.ContentHash(text) {
			return
		}
	}

	s.logger.Debug("external file change",
		slog.String("path", c.Path),
		slog.String("op", c.Op.String()),
	)
	s.tracker.ClearFileBefore(c.Path, c.Time)
	s.invalidateSymbols(c.Path)
}

// markFileModified forgets everything derived from the old content of
// relPath: recorded reads, the cached symbol tree and the document a
// running server holds open.
func (s *Service) markFileModified(relPath string) {
	s.tracker.ClearFile(relPath)
	s.invalidateSymbols(relPath)
}

// invalidateSymbols drops the cached symbol tree of relPath and the
// document a running server holds open for it.
func (s *Service) invalidateSymbols(relPath string) {
	if s.cache != nil {
		if err := s.cache.Invalidate(relPath); err != nil {
			s.logger.Warn("symbol cache invalidation failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.manager == nil {
		return
	}
	lang, ok := s.project.LanguageFor(relPath)
	if !ok {
		return
	}
	if srv := s.manager.Get(lang); srv != nil {
		if err := srv.ForgetFile(relPath); err != nil {
			s.logger.Debug("closing modified document failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close stops the watcher and the scheduler, shuts down language servers
// and closes the symbol cache.
func (s *Service) Close(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	var errs []error
	if err := s.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if s.manager != nil {
		if err := s.manager.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shut down language servers: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close symbol cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// TASKS
// =============================================================================

// run executes op as a scheduler task bounded by the tool timeout. op sees
// the caller's context, cancelled also when the scheduler gives up on it.
func run[T any](ctx context.Context, s *Service, label string, op func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := scheduler.Run(s.sched, label, s.cfg.Scheduler.ToolTimeout, func(taskCtx context.Context) (T, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(taskCtx, cancel)
		defer stop()
		return op(ctx)
	})
	if err != nil {
		s.logger.Debug("tool failed",
			slog.String("tool", label),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
	}
	return result, err
}
