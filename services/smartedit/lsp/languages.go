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
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// LANGUAGE DESCRIPTION
// =============================================================================

// Command is a resolved server command line.
type Command struct {
	// Path is the executable.
	Path string

	// Args are command-line arguments.
	Args []string

	// Env holds extra KEY=VALUE entries.
	Env []string
}

// CommandResolver finds the server command for a project root.
type CommandResolver func(rootPath string) (Command, error)

// CapabilityBuilder builds the client capabilities sent in initialize.
type CapabilityBuilder func(rootPath string) ClientCapabilities

// ReadinessPolicy arms whatever the server needs to signal readiness and
// returns a function that blocks until it is ready.
//
// It is called after the default handlers are registered and before
// initialize is sent, so a policy may take over any notification method.
type ReadinessPolicy func(t *Transport) func(ctx context.Context) error

// Language describes how to run and talk to the server of one language.
type Language struct {
	// ID is the language identifier (e.g., "go", "python").
	ID string

	// Extensions are file extensions this server handles (e.g., ".go").
	Extensions []string

	// ResolveCommand finds the executable. Required.
	ResolveCommand CommandResolver

	// BuildCapabilities builds the client capabilities. Nil uses DefaultCapabilities.
	BuildCapabilities CapabilityBuilder

	// Readiness decides when the server is ready after initialized. Nil is ReadyImmediately.
	Readiness ReadinessPolicy

	// InitializationOptions are passed verbatim in initialize.
	InitializationOptions interface{}
}

// LookPath returns a resolver that finds name on PATH.
func LookPath(name string, args ...string) CommandResolver {
	return func(string) (Command, error) {
		path, err := exec.LookPath(name)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %s", ErrServerNotInstalled, name)
		}
		return Command{Path: path, Args: append([]string(nil), args...)}, nil
	}
}

// DefaultCapabilities asks for hierarchical document symbols and
// announces support for the server requests the client answers.
func DefaultCapabilities(string) ClientCapabilities {
	return ClientCapabilities{
		General: &GeneralClientCapabilities{
			PositionEncodings: []string{PositionEncodingUTF16},
		},
		TextDocument: TextDocumentClientCapabilities{
			Synchronization: &TextDocumentSyncClientCapabilities{DidSave: true},
			DocumentSymbol: &DocumentSymbolClientCapabilities{
				HierarchicalDocumentSymbolSupport: true,
			},
			References: &DynamicRegistration{},
			Definition: &DynamicRegistration{},
		},
		Workspace: WorkspaceClientCapabilities{
			Configuration:    true,
			WorkspaceFolders: true,
		},
		Window: WindowClientCapabilities{WorkDoneProgress: true},
	}
}

// =============================================================================
// READINESS POLICIES
// =============================================================================

// ReadyImmediately treats the server as ready once initialized is sent.
func ReadyImmediately(*Transport) func(ctx context.Context) error {
	return func(context.Context) error { return nil }
}

// ReadyOnNotification waits for a notification that satisfies match.
//
// Description:
//
//	Registers a handler for method that fires once match returns true.
//	If fallback is positive the wait gives up after fallback and reports
//	the server as ready anyway, since some servers never announce it.
//
// Inputs:
//
//	method - Notification to watch (e.g., "$/progress")
//	match - Returns true for the notification that signals readiness.
//	        Nil matches the first notification.
//	fallback - Maximum wait. Zero waits for ctx only.
func ReadyOnNotification(method string, match func(params json.RawMessage) bool, fallback time.Duration) ReadinessPolicy {
	return func(t *Transport) func(ctx context.Context) error {
		ready := make(chan struct{})
		var once sync.Once
		t.OnNotification(method, func(_ context.Context, params json.RawMessage) {
			if match == nil || match(params) {
				once.Do(func() { close(ready) })
			}
		})

		return func(ctx context.Context) error {
			var timeout <-chan time.Time
			if fallback > 0 {
				timer := time.NewTimer(fallback)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case <-ready:
				return nil
			case <-timeout:
				return nil
			case <-t.Done():
				return fmt.Errorf("waiting for %s: %w", method, ErrTerminated)
			case <-ctx.Done():
				return fmt.Errorf("waiting for %s: %w", method, ctx.Err())
			}
		}
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps language ids and file extensions to Language descriptions.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Language
	byExt map[string]string // extension -> language id
}

// NewRegistry creates a registry with the default languages.
//
// Description:
//
//	Pre-populates Go (gopls), Python (pyright), TypeScript, JavaScript,
//	Rust (rust-analyzer), Java (jdtls), C and C++ (clangd). Commands are
//	resolved on PATH; nothing is installed.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.registerDefaults()
	return r
}

// NewEmptyRegistry creates a registry with no languages.
func NewEmptyRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]Language),
		byExt: make(map[string]string),
	}
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:             "go",
		Extensions:     []string{".go"},
		ResolveCommand: LookPath("gopls", "serve"),
	})
	r.Register(Language{
		ID:             "python",
		Extensions:     []string{".py", ".pyi"},
		ResolveCommand: LookPath("pyright-langserver", "--stdio"),
	})
	r.Register(Language{
		ID:             "typescript",
		Extensions:     []string{".ts", ".tsx"},
		ResolveCommand: LookPath("typescript-language-server", "--stdio"),
	})
	r.Register(Language{
		ID:             "javascript",
		Extensions:     []string{".js", ".jsx", ".mjs", ".cjs"},
		ResolveCommand: LookPath("typescript-language-server", "--stdio"),
	})
	r.Register(Language{
		ID:             "rust",
		Extensions:     []string{".rs"},
		ResolveCommand: LookPath("rust-analyzer"),
		Readiness: ReadyOnNotification("experimental/serverStatus", func(params json.RawMessage) bool {
			var status struct {
				Quiescent bool `json:"quiescent"`
			}
			return json.Unmarshal(params, &status) == nil && status.Quiescent
		}, 30*time.Second),
	})
	r.Register(Language{
		ID:             "java",
		Extensions:     []string{".java"},
		ResolveCommand: LookPath("jdtls"),
		Readiness: ReadyOnNotification("language/status", func(params json.RawMessage) bool {
			var status struct {
				Type string `json:"type"`
			}
			return json.Unmarshal(params, &status) == nil && status.Type == "ServiceReady"
		}, time.Minute),
	})
	r.Register(Language{
		ID:             "c",
		Extensions:     []string{".c", ".h"},
		ResolveCommand: LookPath("clangd"),
	})
	r.Register(Language{
		ID:             "cpp",
		Extensions:     []string{".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx"},
		ResolveCommand: LookPath("clangd"),
	})
}

// Register adds or replaces a language.
//
// Description:
//
//	Missing BuildCapabilities and Readiness are filled with the defaults.
//	Extensions previously mapped to another language are remapped.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (r *Registry) Register(lang Language) {
	if lang.BuildCapabilities == nil {
		lang.BuildCapabilities = DefaultCapabilities
	}
	if lang.Readiness == nil {
		lang.Readiness = ReadyImmediately
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[lang.ID]; ok {
		for _, ext := range old.Extensions {
			if r.byExt[ext] == lang.ID {
				delete(r.byExt, ext)
			}
		}
	}
	r.byID[lang.ID] = lang
	for _, ext := range lang.Extensions {
		r.byExt[strings.ToLower(ext)] = lang.ID
	}
}

// Get returns the language with the given id.
func (r *Registry) Get(id string) (Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byID[id]
	return lang, ok
}

// ForExtension returns the language handling ext (including the dot).
func (r *Registry) ForExtension(ext string) (Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExt[strings.ToLower(ext)]
	if !ok {
		return Language{}, false
	}
	lang, ok := r.byID[id]
	return lang, ok
}

// ForPath returns the language handling the file at path.
func (r *Registry) ForPath(path string) (Language, bool) {
	return r.ForExtension(filepath.Ext(path))
}

// Languages returns all registered language ids, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
