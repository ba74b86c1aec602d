// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrManagerStopped is returned by GetOrSpawn after ShutdownAll.
var ErrManagerStopped = errors.New("lsp manager is stopped")

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures the LSP manager.
type ManagerConfig struct {
	// IdleTimeout is how long a server can be idle before being shut down.
	// Set to 0 to disable idle shutdown.
	IdleTimeout time.Duration

	// StartupTimeout is the maximum time to wait for a server to start.
	StartupTimeout time.Duration

	// Process holds the per-server timing (probe, grace, request timeout).
	Process ProcessConfig
}

// DefaultManagerConfig returns sensible defaults for the manager.
//
// Description:
//
//	Returns a configuration with:
//	  - IdleTimeout: 10 minutes
//	  - StartupTimeout: 60 seconds
//	  - Process: DefaultProcessConfig()
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:    10 * time.Minute,
		StartupTimeout: 60 * time.Second,
		Process:        DefaultProcessConfig(),
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the language servers of one project root.
//
// Description:
//
//	Starts servers lazily, at most one per language. Concurrent callers
//	asking for the same language share one startup. Servers found dead
//	are replaced on the next request.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	rootPath string
	registry *Registry
	logger   *slog.Logger

	servers   map[string]*Server
	serversMu sync.RWMutex
	spawns    singleflight.Group

	stopped  chan struct{}
	stopOnce sync.Once
	idleOnce sync.Once
	idleDone chan struct{}
}

// NewManager creates a manager for the given project root.
//
// Inputs:
//
//	rootPath - Absolute path to the project root
//	registry - Language registry. Nil uses NewRegistry().
//	config - Manager configuration
//	logger - Logger. Nil uses slog.Default().
func NewManager(rootPath string, registry *Registry, config ManagerConfig, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		rootPath: rootPath,
		registry: registry,
		logger:   logger,
		servers:  make(map[string]*Server),
		stopped:  make(chan struct{}),
		idleDone: make(chan struct{}),
	}
}

// GetOrSpawn returns the ready server for language, starting it if needed.
//
// Description:
//
//	The startup runs detached from the caller's cancellation, bounded by
//	StartupTimeout, because other callers may be waiting on the same
//	startup.
//
// Errors:
//
//	ErrManagerStopped - ShutdownAll was called
//	ErrUnsupportedLanguage - No registry entry for the language
//	ErrServerNotInstalled - Server binary not found
//	ErrInitializeFailed - Server initialization failed
//
// Thread Safety:
//
//	Safe for concurrent use.
func (m *Manager) GetOrSpawn(ctx context.Context, language string) (*Server, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if m.isStopped() {
		return nil, ErrManagerStopped
	}

	if server := m.Get(language); server != nil {
		return server, nil
	}

	ch := m.spawns.DoChan(language, func() (interface{}, error) {
		if server := m.Get(language); server != nil {
			return server, nil
		}
		return m.spawn(context.WithoutCancel(ctx), language)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Server), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) spawn(ctx context.Context, language string) (*Server, error) {
	lang, ok := m.registry.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	m.serversMu.Lock()
	if old, ok := m.servers[language]; ok {
		delete(m.servers, language)
		m.serversMu.Unlock()
		m.logger.Warn("replacing dead LSP server",
			slog.String("language", language),
			slog.String("state", old.State().String()),
		)
		_ = old.Shutdown(ctx)
	} else {
		m.serversMu.Unlock()
	}

	if m.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.StartupTimeout)
		defer cancel()
	}

	server := NewServer(lang, m.rootPath, m.config.Process, m.logger)
	if err := server.Start(ctx); err != nil {
		return nil, err
	}

	m.serversMu.Lock()
	defer m.serversMu.Unlock()
	if m.isStopped() {
		go func() { _ = server.Shutdown(context.Background()) }()
		return nil, ErrManagerStopped
	}
	m.servers[language] = server
	return server, nil
}

// ForFile returns the server responsible for relPath, based on its extension.
//
// Errors:
//
//	ErrUnsupportedLanguage - No registered language handles the extension
func (m *Manager) ForFile(ctx context.Context, relPath string) (*Server, error) {
	lang, ok := m.registry.ForPath(relPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, relPath)
	}
	return m.GetOrSpawn(ctx, lang.ID)
}

// Get returns the server for language if it is running and ready, else nil.
func (m *Manager) Get(language string) *Server {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()

	server, ok := m.servers[language]
	if ok && server.State() == ServerStateReady {
		return server
	}
	return nil
}

// Restart replaces the server for language with a fresh process.
//
// Description:
//
//	Used after a request timed out, when the old process may still be
//	working on the abandoned request.
func (m *Manager) Restart(ctx context.Context, language string) (*Server, error) {
	if err := m.Shutdown(ctx, language); err != nil {
		m.logger.Warn("shutdown before restart failed",
			slog.String("language", language),
			slog.String("error", err.Error()),
		)
	}
	return m.GetOrSpawn(ctx, language)
}

// Shutdown shuts down the server for language. No-op if none is running.
func (m *Manager) Shutdown(ctx context.Context, language string) error {
	m.serversMu.Lock()
	server, ok := m.servers[language]
	if ok {
		delete(m.servers, language)
	}
	m.serversMu.Unlock()

	if !ok {
		return nil
	}
	return server.Shutdown(ctx)
}

// ShutdownAll shuts down every server in parallel and stops the manager.
//
// Description:
//
//	After this call GetOrSpawn returns ErrManagerStopped.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.serversMu.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.servers = make(map[string]*Server)
	m.serversMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			return srv.Shutdown(gctx)
		})
	}
	return g.Wait()
}

// IsAvailable reports whether language is registered and its command resolves.
func (m *Manager) IsAvailable(language string) bool {
	lang, ok := m.registry.Get(language)
	if !ok || lang.ResolveCommand == nil {
		return false
	}
	_, err := lang.ResolveCommand(m.rootPath)
	return err == nil
}

// RunningServers returns the sorted ids of languages with a ready server.
func (m *Manager) RunningServers() []string {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()

	langs := make([]string, 0, len(m.servers))
	for lang, srv := range m.servers {
		if srv.State() == ServerStateReady {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// RootPath returns the project root.
func (m *Manager) RootPath() string {
	return m.rootPath
}

// Registry returns the language registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor starts the idle server cleanup goroutine.
//
// Description:
//
//	Checks at half the idle timeout (at least once a second) and shuts
//	down servers unused for longer than IdleTimeout. Does nothing if
//	IdleTimeout is 0. Only the first call starts a monitor.
func (m *Manager) StartIdleMonitor() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	m.idleOnce.Do(func() {
		go func() {
			defer close(m.idleDone)

			interval := m.config.IdleTimeout / 2
			if interval < time.Second {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-m.stopped:
					return
				case <-ticker.C:
					m.shutdownIdle()
				}
			}
		}()
	})
}

// shutdownIdle shuts down servers that have been idle too long.
func (m *Manager) shutdownIdle() {
	m.serversMu.RLock()
	var idle []string
	for lang, srv := range m.servers {
		if srv.State() == ServerStateReady && time.Since(srv.LastUsed()) > m.config.IdleTimeout {
			idle = append(idle, lang)
		}
	}
	m.serversMu.RUnlock()

	for _, lang := range idle {
		m.logger.Info("Shutting down idle LSP server",
			slog.String("language", lang),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		_ = m.Shutdown(context.Background(), lang)
	}
}
