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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// SERVER STATE
// =============================================================================

// ServerState represents the lifecycle state of an LSP server.
type ServerState int

const (
	// ServerStateUninitialized is the initial state before Start is called.
	ServerStateUninitialized ServerState = iota

	// ServerStateStarting means the process is up and the handshake is running.
	ServerStateStarting

	// ServerStateReady means the server is initialized and ready for requests.
	ServerStateReady

	// ServerStateStopping means the server is shutting down.
	ServerStateStopping

	// ServerStateStopped means the server has terminated.
	ServerStateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// openDocument tracks a didOpen'd file.
type openDocument struct {
	uri   string
	count int
}

// =============================================================================
// SERVER
// =============================================================================

// Server is an initialized language server for one project root.
//
// Description:
//
//	Wraps a Transport with the LSP lifecycle: initialize handshake,
//	readiness wait, default answers to the server requests every client
//	must handle, reference-counted document open/close and shutdown.
//
// Thread Safety:
//
//	Safe for concurrent use after Start() returns successfully.
type Server struct {
	lang     Language
	rootPath string
	timing   ProcessConfig
	logger   *slog.Logger

	transport *Transport
	info      InitializeResult

	state   ServerState
	stateMu sync.RWMutex

	openMu sync.Mutex
	open   map[string]*openDocument

	lastUsed   time.Time
	lastUsedMu sync.Mutex
}

// NewServer creates a server instance (not started).
//
// Inputs:
//
//	lang - Language description. ResolveCommand is called by Start.
//	rootPath - Absolute path to the project root
//	timing - Startup, shutdown and request timing. Command fields are ignored.
//	logger - Logger. Nil uses slog.Default().
func NewServer(lang Language, rootPath string, timing ProcessConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if lang.BuildCapabilities == nil {
		lang.BuildCapabilities = DefaultCapabilities
	}
	if lang.Readiness == nil {
		lang.Readiness = ReadyImmediately
	}
	return &Server{
		lang:     lang,
		rootPath: rootPath,
		timing:   timing,
		logger:   logger.With(slog.String("language", lang.ID)),
		state:    ServerStateUninitialized,
		open:     make(map[string]*openDocument),
		lastUsed: time.Now(),
	}
}

// NewServerWithTransport creates a server over an already running transport,
// such as one built with NewStreamTransport. Start skips process creation.
func NewServerWithTransport(lang Language, rootPath string, t *Transport, logger *slog.Logger) *Server {
	s := NewServer(lang, rootPath, t.cfg, logger)
	s.transport = t
	return s
}

// Start launches the server process and performs the handshake.
//
// Description:
//
//	Resolves the command, registers the default handlers, arms the
//	readiness policy, sends initialize and initialized, then waits for
//	readiness. Any failure disposes the process.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start called on a non-uninitialized server
//	ErrServerNotInstalled - Command not found
//	ErrInitializeFailed - The handshake failed
//	*TerminatedError - The process exited during startup
func (s *Server) Start(ctx context.Context) (err error) {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	s.stateMu.Lock()
	if s.state != ServerStateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.stateMu.Unlock()

	defer func() {
		recordServerSpawn(ctx, s.lang.ID, err == nil)
		if err != nil {
			if s.transport != nil {
				s.transport.Dispose()
			}
			s.setState(ServerStateStopped)
		}
	}()

	if s.transport == nil {
		if s.lang.ResolveCommand == nil {
			return fmt.Errorf("%w: %s has no command resolver", ErrServerNotInstalled, s.lang.ID)
		}
		cmd, err := s.lang.ResolveCommand(s.rootPath)
		if err != nil {
			s.logger.Warn("LSP server not installed", slog.String("error", err.Error()))
			return err
		}

		cfg := s.timing
		cfg.Name = s.lang.ID
		cfg.Command = cmd.Path
		cfg.Args = cmd.Args
		cfg.Env = cmd.Env
		cfg.Dir = s.rootPath
		s.transport = NewTransport(cfg, s.logger)
	}

	s.registerDefaultHandlers()
	waitReady := s.lang.Readiness(s.transport)

	if !s.transport.IsRunning() {
		s.logger.Info("Starting LSP server",
			slog.String("command", s.transport.cfg.Command),
			slog.String("root_path", s.rootPath),
		)
		if err := s.transport.Start(ctx); err != nil {
			return err
		}
	}

	if err := s.initialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}
	if err := waitReady(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.setState(ServerStateReady)
	s.touchLastUsed()

	name := ""
	if s.info.ServerInfo != nil {
		name = s.info.ServerInfo.Name
	}
	s.logger.Info("LSP server ready",
		slog.Int("pid", s.transport.Pid()),
		slog.String("server_name", name),
	)
	return nil
}

// initialize performs the LSP initialize handshake.
func (s *Server) initialize(ctx context.Context) error {
	caps, err := json.Marshal(s.lang.BuildCapabilities(s.rootPath))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	rootURI := PathToURI(s.rootPath)
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		RootPath:              s.rootPath,
		Capabilities:          caps,
		InitializationOptions: s.lang.InitializationOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: rootURI, Name: filepath.Base(s.rootPath)},
		},
		ClientInfo: &ClientInfo{Name: "smartedit"},
	}

	raw, err := s.transport.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}
	if err := json.Unmarshal(raw, &s.info); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	if err := s.transport.SendNotification(MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// registerDefaultHandlers answers the server requests every client sees.
func (s *Server) registerDefaultHandlers() {
	t := s.transport

	t.OnRequest(MethodWorkspaceConfig, func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p ConfigurationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return make([]interface{}, len(p.Items)), nil
	})

	acknowledge := func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }
	t.OnRequest(MethodRegisterCapability, acknowledge)
	t.OnRequest(MethodUnregisterCapability, acknowledge)
	t.OnRequest(MethodWorkDoneCreate, acknowledge)

	logMessage := func(_ context.Context, params json.RawMessage) {
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.logger.Log(context.Background(), p.Type.Level(), "lsp server message",
			slog.String("message", p.Message),
		)
	}
	t.OnNotification(MethodLogMessage, logMessage)
	t.OnNotification(MethodShowMessage, logMessage)

	ignore := func(context.Context, json.RawMessage) {}
	t.OnNotification(MethodProgress, ignore)
	t.OnNotification(MethodPublishDiagnostics, ignore)
}

// Level maps the LSP message type onto a slog level.
func (m MessageType) Level() slog.Level {
	switch m {
	case MessageTypeError:
		return slog.LevelError
	case MessageTypeWarning:
		return slog.LevelWarn
	case MessageTypeInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request sends a request and returns the raw result.
//
// Errors:
//
//	ErrServerNotRunning - The server is not ready
//	Any error from Transport.SendRequest
func (s *Server) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if s.State() != ServerStateReady {
		return nil, ErrServerNotRunning
	}
	s.touchLastUsed()
	return s.transport.SendRequest(ctx, method, params)
}

// RequestInto sends a request and decodes the result into out.
func (s *Server) RequestInto(ctx context.Context, method string, params, out interface{}) error {
	raw, err := s.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Reason: "unexpected " + method + " result", Body: preview(raw), Err: err}
	}
	return nil
}

// Notify sends a notification.
func (s *Server) Notify(method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	return s.transport.SendNotification(method, params)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// OpenFile sends didOpen the first time relPath is opened.
//
// Description:
//
//	Opens are reference counted. Each OpenFile must be paired with a
//	CloseFile; didClose is sent when the count drops to zero.
func (s *Server) OpenFile(relPath, text string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if doc, ok := s.open[relPath]; ok {
		doc.count++
		return nil
	}

	uri := PathToURI(filepath.Join(s.rootPath, relPath))
	err := s.Notify(MethodDidOpen, DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: s.lang.ID,
			Version:    0,
			Text:       text,
		},
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", relPath, err)
	}
	s.open[relPath] = &openDocument{uri: uri, count: 1}
	return nil
}

// CloseFile releases one reference taken by OpenFile.
func (s *Server) CloseFile(relPath string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	doc, ok := s.open[relPath]
	if !ok {
		return nil
	}
	doc.count--
	if doc.count > 0 {
		return nil
	}
	delete(s.open, relPath)
	return s.Notify(MethodDidClose, DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: doc.uri},
	})
}

// ForgetFile closes relPath regardless of its reference count so the next
// OpenFile sends the current content.
func (s *Server) ForgetFile(relPath string) error {
	s.openMu.Lock()
	doc, ok := s.open[relPath]
	delete(s.open, relPath)
	s.openMu.Unlock()

	if !ok {
		return nil
	}
	return s.Notify(MethodDidClose, DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: doc.uri},
	})
}

// IsOpen reports whether relPath is currently open.
func (s *Server) IsOpen(relPath string) bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	_, ok := s.open[relPath]
	return ok
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown performs the shutdown handshake and releases the process.
//
// Description:
//
//	Errors from the handshake are logged, not returned: the process is
//	disposed either way and the server ends stopped.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	s.logger.Info("Shutting down LSP server")

	if s.transport != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := s.transport.Shutdown(shutdownCtx); err != nil {
			s.logger.Debug("LSP shutdown handshake failed", slog.String("error", err.Error()))
		}
		s.transport.Dispose()
	}

	s.setState(ServerStateStopped)
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current server state. A ready server whose process
// died reports ServerStateStopped.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	state := s.state
	s.stateMu.RUnlock()

	if state == ServerStateReady && !s.transport.IsRunning() {
		return ServerStateStopped
	}
	return state
}

// Language returns the language id this server handles.
func (s *Server) Language() string {
	return s.lang.ID
}

// RootPath returns the project root.
func (s *Server) RootPath() string {
	return s.rootPath
}

// Transport returns the underlying transport.
func (s *Server) Transport() *Transport {
	return s.transport
}

// Capabilities returns the raw server capabilities from initialize.
func (s *Server) Capabilities() json.RawMessage {
	return s.info.Capabilities
}

// LastUsed returns when the server last handled a request.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// =============================================================================
// URI HELPERS
// =============================================================================

// PathToURI converts an absolute filesystem path to a file:// URI.
func PathToURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// URIToPath converts a file:// URI to a filesystem path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}
