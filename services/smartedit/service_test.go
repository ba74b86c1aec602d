// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package smartedit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/smartedit/services/smartedit/config"
	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/project"
	"github.com/AleutianAI/smartedit/services/smartedit/scheduler"
	"github.com/AleutianAI/smartedit/services/smartedit/session"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
)

const mainSrc = `function add(a, b) {
  return a + b;
}

function main() {
  return add(1, 2);
}
const LIMIT = 10;
`

// =============================================================================
// FAKE LANGUAGE SERVER
// =============================================================================

// scriptServer derives document symbols from the open text: top-level
// "function name(" blocks closed by "}" in column 0 and "const name ="
// lines. References are textual occurrences of the identifier.
type scriptServer struct {
	root  string
	delay time.Duration

	mu    sync.Mutex
	texts map[string]string
	calls map[string]int
}

func newScriptServer(root string) *scriptServer {
	return &scriptServer{root: root, texts: make(map[string]string), calls: make(map[string]int)}
}

func (s *scriptServer) Language() string { return "typescript" }

func (s *scriptServer) OpenFile(rel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[rel] = text
	return nil
}

func (s *scriptServer) CloseFile(string) error { return nil }

func (s *scriptServer) ForFile(_ context.Context, rel string) (symbol.Server, error) {
	if filepath.Ext(rel) != ".ts" {
		return nil, fmt.Errorf("%s: %w", rel, lsp.ErrUnsupportedLanguage)
	}
	return s, nil
}

func (s *scriptServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *scriptServer) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	switch method {
	case lsp.MethodDocumentSymbol:
		p := params.(lsp.DocumentSymbolParams)
		return json.Marshal(parseSymbols(s.texts[s.rel(p.TextDocument.URI)]))

	case lsp.MethodReferences:
		p := params.(lsp.ReferenceParams)
		rel := s.rel(p.TextDocument.URI)
		return json.Marshal(s.references(rel, p.Position))
	}
	return nil, &lsp.RPCError{Method: method, Code: lsp.CodeMethodNotFound, Message: "unhandled method"}
}

func (s *scriptServer) rel(uri string) string {
	abs, _ := lsp.URIToPath(uri)
	rel, _ := filepath.Rel(s.root, abs)
	return filepath.ToSlash(rel)
}

func (s *scriptServer) references(rel string, pos lsp.Position) []lsp.Location {
	lines := strings.Split(s.texts[rel], "\n")
	line := lines[pos.Line]
	end := pos.Character
	for end < len(line) && isIdent(line[end]) {
		end++
	}
	ident := line[pos.Character:end]

	var out []lsp.Location
	for i, l := range lines {
		for off := 0; ; {
			j := strings.Index(l[off:], ident+"(")
			if j < 0 {
				break
			}
			col := off + j
			off = col + len(ident)
			if i == pos.Line && col == pos.Character {
				continue
			}
			out = append(out, lsp.Location{
				URI:   lsp.PathToURI(filepath.Join(s.root, filepath.FromSlash(rel))),
				Range: lspRange(i, col, i, col+len(ident)),
			})
		}
	}
	return out
}

func isIdent(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func parseSymbols(text string) []lsp.DocumentSymbol {
	lines := strings.Split(text, "\n")
	var out []lsp.DocumentSymbol
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "function "):
			name := strings.TrimPrefix(l, "function ")
			name = name[:strings.Index(name, "(")]
			end := i
			for end < len(lines) && !strings.HasPrefix(lines[end], "}") {
				end++
			}
			out = append(out, lsp.DocumentSymbol{
				Name:           name,
				Kind:           lsp.SymbolKind(symbol.KindFunction),
				Range:          lspRange(i, 0, end, 1),
				SelectionRange: lspRange(i, 9, i, 9+len(name)),
			})
		case strings.HasPrefix(l, "const "):
			name := strings.Fields(l)[1]
			out = append(out, lsp.DocumentSymbol{
				Name:           name,
				Kind:           lsp.SymbolKind(symbol.KindConstant),
				Range:          lspRange(i, 0, i, len(l)),
				SelectionRange: lspRange(i, 6, i, 6+len(name)),
			})
		}
	}
	if out == nil {
		out = []lsp.DocumentSymbol{}
	}
	return out
}

func lspRange(sl, sc, el, ec int) lsp.Range {
	return lsp.Range{
		Start: lsp.Position{Line: sl, Character: sc},
		End:   lsp.Position{Line: el, Character: ec},
	}
}

// =============================================================================
// FIXTURE
// =============================================================================

func newTestService(t *testing.T, files map[string]string, tweak func(*config.Config)) (*Service, *scriptServer) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.ProjectRoot = root
	cfg.Cache.InMemory = true
	cfg.Watch.Enabled = false
	cfg.Scheduler.ToolTimeout = 5 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	srv := newScriptServer(root)
	svc, err := NewService(context.Background(), cfg, Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Servers: srv,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
	})
	return svc, srv
}

func readDisk(t *testing.T, svc *Service, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(svc.Project().Root(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// TESTS
// =============================================================================

func TestNewService_InvalidConfig(t *testing.T) {
	_, err := NewService(context.Background(), config.Default(), Deps{})
	assert.Error(t, err)
}

func TestService_ReadThenDeleteLines(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\nb\nc\n"}, nil)
	ctx := context.Background()

	_, err := svc.DeleteLines(ctx, "notes.txt", 0, 1)
	require.ErrorIs(t, err, session.ErrStaleRead)

	read, err := svc.ReadFile(ctx, "notes.txt", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", read.Content)
	assert.Equal(t, 1, read.End)

	res, err := svc.DeleteLines(ctx, "notes.txt", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "c\n", readDisk(t, svc, "notes.txt"))
	assert.Contains(t, res.Diff, "-a")

	_, err = svc.DeleteLines(ctx, "notes.txt", 0, 0)
	assert.ErrorIs(t, err, session.ErrStaleRead, "the edit cleared the recorded reads")
}

func TestService_ReadFileRecordsReturnedRange(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\nb\nc\n"}, nil)
	ctx := context.Background()

	read, err := svc.ReadFile(ctx, "notes.txt", 1, -1)
	require.NoError(t, err)
	assert.Equal(t, "b\nc\n", read.Content)
	assert.Equal(t, 2, read.End)
	assert.NoError(t, svc.Tracker().Check("notes.txt", 1, 2))

	_, err = svc.ReplaceLines(ctx, "notes.txt", 1, 2, "z\n")
	require.NoError(t, err)
	assert.Equal(t, "a\nz\n", readDisk(t, svc, "notes.txt"))
}

func TestService_EditClearsOnlyEditedFile(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		"a.txt": "1\n2\n",
		"b.txt": "1\n2\n",
	}, nil)
	ctx := context.Background()

	_, err := svc.ReadFile(ctx, "a.txt", 0, 1)
	require.NoError(t, err)
	_, err = svc.ReadFile(ctx, "b.txt", 0, 1)
	require.NoError(t, err)

	_, err = svc.InsertAtLine(ctx, "a.txt", 2, "3\n")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Tracker().Check("a.txt", 0, 1), session.ErrStaleRead)
	assert.NoError(t, svc.Tracker().Check("b.txt", 0, 1))
}

func TestService_RejectsIgnoredAndOutsidePaths(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{".git/config": "x\n"}, nil)
	ctx := context.Background()

	_, err := svc.ReadFile(ctx, ".git/config", 0, -1)
	assert.ErrorIs(t, err, project.ErrIgnored)

	_, err = svc.InsertAtLine(ctx, "../outside.txt", 0, "x\n")
	assert.ErrorIs(t, err, project.ErrOutsideRoot)

	_, err = svc.InsertAtLine(ctx, "f.txt", -1, "x\n")
	assert.Error(t, err)
}

func TestService_FindSymbol(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		"src/main.ts": mainSrc,
		"README.md":   "# readme\n",
	}, nil)
	ctx := context.Background()

	t.Run("in file with body", func(t *testing.T) {
		infos, err := svc.FindSymbol(ctx, FindQuery{NamePath: "add", RelativePath: "src/main.ts", IncludeBody: true})
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "add", infos[0].NamePath)
		assert.Equal(t, "Function", infos[0].Kind)
		assert.Equal(t, "function add(a, b) {\n  return a + b;\n}", infos[0].Body)
	})

	t.Run("whole project with kind filter", func(t *testing.T) {
		infos, err := svc.FindSymbol(ctx, FindQuery{
			NamePath:       "IM",
			SubstringMatch: true,
			IncludeKinds:   []symbol.Kind{symbol.KindConstant},
		})
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "LIMIT", infos[0].NamePath)
		assert.Equal(t, "src/main.ts", infos[0].RelativePath)
	})
}

func TestService_Overview(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		"src/main.ts":  mainSrc,
		"src/empty.ts": "\n",
	}, nil)

	overview, err := svc.Overview(context.Background(), "src")
	require.NoError(t, err)

	require.Contains(t, overview, "src/main.ts")
	var names []string
	for _, info := range overview["src/main.ts"] {
		names = append(names, info.NamePath)
	}
	assert.Equal(t, []string{"add", "main", "LIMIT"}, names)
	assert.Empty(t, overview["src/empty.ts"])
}

func TestService_FindReferencingSymbols(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{"src/main.ts": mainSrc}, nil)

	refs, err := svc.FindReferencingSymbols(context.Background(), "add", "src/main.ts", false)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "main", refs[0].NamePath)
	assert.Equal(t, 5, refs[0].Line)
	assert.Equal(t, 9, refs[0].Character)

	_, err = svc.FindReferencingSymbols(context.Background(), "missing", "src/main.ts", false)
	var nf *symbol.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestService_SymbolEdits(t *testing.T) {
	svc, srv := newTestService(t, map[string]string{"src/main.ts": mainSrc}, nil)
	ctx := context.Background()

	_, err := svc.ReplaceSymbolBody(ctx, "add", "src/main.ts", "function add(a, b) {\n  return b + a;\n}\n")
	require.NoError(t, err)
	assert.Contains(t, readDisk(t, svc, "src/main.ts"), "return b + a;")

	_, err = svc.InsertAfterSymbol(ctx, "add", "src/main.ts", "function sub(a, b) {\n  return a - b;\n}")
	require.NoError(t, err)
	assert.Contains(t, readDisk(t, svc, "src/main.ts"), "}\n\nfunction sub(a, b) {\n  return a - b;\n}\n\nfunction main() {")

	_, err = svc.InsertBeforeSymbol(ctx, "LIMIT", "src/main.ts", "const MIN = 1;")
	require.NoError(t, err)
	assert.Contains(t, readDisk(t, svc, "src/main.ts"), "}\nconst MIN = 1;\nconst LIMIT = 10;\n")

	_, err = svc.DeleteSymbol(ctx, "MIN", "src/main.ts")
	require.NoError(t, err)
	assert.NotContains(t, readDisk(t, svc, "src/main.ts"), "MIN")

	infos, err := svc.FindSymbol(ctx, FindQuery{NamePath: "sub", RelativePath: "src/main.ts"})
	require.NoError(t, err)
	assert.Len(t, infos, 1, "symbols reflect the edited content")
	assert.Equal(t, 5, srv.count(lsp.MethodDocumentSymbol), "every edit resolves against fresh symbols")
}

func TestService_SymbolCacheHit(t *testing.T) {
	svc, srv := newTestService(t, map[string]string{"src/main.ts": mainSrc}, nil)
	ctx := context.Background()

	for range 3 {
		_, err := svc.FindSymbol(ctx, FindQuery{NamePath: "add", RelativePath: "src/main.ts"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.count(lsp.MethodDocumentSymbol))
}

func TestService_ToolTimeout(t *testing.T) {
	svc, srv := newTestService(t, map[string]string{"src/main.ts": mainSrc}, func(cfg *config.Config) {
		cfg.Scheduler.ToolTimeout = 50 * time.Millisecond
	})
	srv.delay = 300 * time.Millisecond

	_, err := svc.FindSymbol(context.Background(), FindQuery{NamePath: "add", RelativePath: "src/main.ts"})
	var te *scheduler.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Task, "find_symbol")

	srv.mu.Lock()
	srv.delay = 0
	srv.mu.Unlock()

	// The timed-out task keeps running; the queue moves on once it is done.
	require.Eventually(t, func() bool {
		return svc.sched.Running() == "" && svc.sched.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)
	read, err := svc.ReadFile(context.Background(), "src/main.ts", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "function add(a, b) {\n", read.Content)
}

func TestService_WatcherClearsReads(t *testing.T) {
	if testing.Short() {
		t.Skip("file watcher test")
	}
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\n"}, func(cfg *config.Config) {
		cfg.Watch.Enabled = true
		cfg.Watch.Debounce = 20 * time.Millisecond
	})
	ctx := context.Background()

	_, err := svc.ReadFile(ctx, "notes.txt", 0, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Tracker().Check("notes.txt", 0, 0))

	abs := filepath.Join(svc.Project().Root(), "notes.txt")
	require.NoError(t, os.WriteFile(abs, []byte("changed\n"), 0o644))

	require.Eventually(t, func() bool {
		return svc.Tracker().Check("notes.txt", 0, 0) != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestService_WatcherKeepsReadsAfterOwnEdit(t *testing.T) {
	if testing.Short() {
		t.Skip("file watcher test")
	}
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\nb\n"}, func(cfg *config.Config) {
		cfg.Watch.Enabled = true
		cfg.Watch.Debounce = 20 * time.Millisecond
	})
	ctx := context.Background()

	_, err := svc.InsertAtLine(ctx, "notes.txt", 0, "x\n")
	require.NoError(t, err)
	_, err = svc.ReadFile(ctx, "notes.txt", 0, 1)
	require.NoError(t, err)

	// Let the watcher deliver the event caused by the insert.
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, svc.Tracker().Check("notes.txt", 0, 1))

	_, err = svc.DeleteLines(ctx, "notes.txt", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "b\n", readDisk(t, svc, "notes.txt"))
}

func TestService_ExternalChangeKeepsLaterReads(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\nb\n"}, nil)
	ctx := context.Background()

	_, err := svc.ReadFile(ctx, "notes.txt", 0, 0)
	require.NoError(t, err)
	changedAt := time.Now()
	require.NoError(t, os.WriteFile(filepath.Join(svc.Project().Root(), "notes.txt"), []byte("c\nd\n"), 0o644))
	time.Sleep(5 * time.Millisecond)
	_, err = svc.ReadFile(ctx, "notes.txt", 1, 1)
	require.NoError(t, err)

	svc.externalChange(project.Change{Path: "notes.txt", Op: project.OpWrite, Time: changedAt})

	assert.Error(t, svc.Tracker().Check("notes.txt", 0, 0), "read before the change is stale")
	assert.NoError(t, svc.Tracker().Check("notes.txt", 1, 1), "read after the change stays valid")
}

func TestService_ExternalChangeIgnoresOwnWrite(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{"notes.txt": "a\n"}, nil)
	ctx := context.Background()

	_, err := svc.InsertAtLine(ctx, "notes.txt", 0, "b\n")
	require.NoError(t, err)
	_, err = svc.ReadFile(ctx, "notes.txt", 0, 1)
	require.NoError(t, err)

	svc.externalChange(project.Change{Path: "notes.txt", Op: project.OpWrite, Time: time.Now()})
	assert.NoError(t, svc.Tracker().Check("notes.txt", 0, 1))
}
