// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbol

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

const testRoot = "/proj"

var greeterSource = "class Greeter {\n  greet() {\n  }\n}\nfunction helper() {}\n"

// =============================================================================
// FAKES
// =============================================================================

type memFiles struct {
	mu    sync.Mutex
	files map[string]string
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string]string{
		"src/greeter.ts":   greeterSource,
		"src/util/math.ts": "export const PI = 3;\n",
		"README.md":        "# readme\n",
	}}
}

func (m *memFiles) RootPath() string { return testRoot }

func (m *memFiles) ReadFile(rel string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.files[rel]
	if !ok {
		return "", fmt.Errorf("read %s: %w", rel, os.ErrNotExist)
	}
	return text, nil
}

func (m *memFiles) write(rel, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = text
}

func (m *memFiles) IsDir(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := range m.files {
		if strings.HasPrefix(f, rel+"/") {
			return true
		}
	}
	return false
}

func (m *memFiles) ListFiles(rel string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for f := range m.files {
		if rel == "" || strings.HasPrefix(f, rel+"/") {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeServer struct {
	batch bool

	mu       sync.Mutex
	calls    map[string]int
	open     map[string]int
	batchOut map[string]interface{}
	refs     []lsp.Location
}

func newFakeServer(batch bool) *fakeServer {
	return &fakeServer{
		batch:    batch,
		calls:    make(map[string]int),
		open:     make(map[string]int),
		batchOut: make(map[string]interface{}),
	}
}

func (s *fakeServer) Language() string { return "typescript" }

func (s *fakeServer) OpenFile(rel, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[rel]++
	return nil
}

func (s *fakeServer) CloseFile(rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[rel]--
	return nil
}

func (s *fakeServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *fakeServer) Request(_ context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	switch method {
	case lsp.MethodFullSymbolTree, lsp.MethodReferencingSymbols, lsp.MethodOverview:
		if !s.batch {
			return nil, &lsp.RPCError{Method: method, Code: lsp.CodeMethodNotFound, Message: "unhandled method"}
		}
		return json.Marshal(s.batchOut[method])

	case lsp.MethodDocumentSymbol:
		p := params.(lsp.DocumentSymbolParams)
		abs, err := lsp.URIToPath(p.TextDocument.URI)
		if err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(testRoot, abs)
		if s.open[rel] != 1 {
			return nil, fmt.Errorf("%s requested while not open", rel)
		}
		return documentSymbolsFor(rel), nil

	case lsp.MethodReferences:
		return json.Marshal(s.refs)
	}
	return nil, &lsp.RPCError{Method: method, Code: lsp.CodeMethodNotFound}
}

func documentSymbolsFor(rel string) json.RawMessage {
	switch rel {
	case "src/greeter.ts":
		return json.RawMessage(`[
		 {"name":"Greeter","kind":5,
		  "range":{"start":{"line":0,"character":0},"end":{"line":3,"character":1}},
		  "selectionRange":{"start":{"line":0,"character":6},"end":{"line":0,"character":13}},
		  "children":[{"name":"greet","kind":6,
		   "range":{"start":{"line":1,"character":2},"end":{"line":2,"character":3}},
		   "selectionRange":{"start":{"line":1,"character":2},"end":{"line":1,"character":7}}}]},
		 {"name":"helper","kind":12,
		  "range":{"start":{"line":4,"character":0},"end":{"line":4,"character":20}},
		  "selectionRange":{"start":{"line":4,"character":9},"end":{"line":4,"character":15}}}]`)
	case "src/util/math.ts":
		return json.RawMessage(`[{"name":"PI","kind":14,
		  "range":{"start":{"line":0,"character":13},"end":{"line":0,"character":19}},
		  "selectionRange":{"start":{"line":0,"character":13},"end":{"line":0,"character":15}}}]`)
	}
	return json.RawMessage(`[]`)
}

type fakeServers struct {
	srv *fakeServer
}

func (f fakeServers) ForFile(_ context.Context, rel string) (Server, error) {
	if filepath.Ext(rel) != ".ts" {
		return nil, fmt.Errorf("%s: %w", rel, lsp.ErrUnsupportedLanguage)
	}
	return f.srv, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*Tree
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]*Tree)} }

func (c *memCache) Get(rel, hash string) (*Tree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[rel+"@"+hash]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (c *memCache) Put(rel, hash string, t *Tree) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rel+"@"+hash] = t.Clone()
	return nil
}

func (c *memCache) Invalidate(rel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, rel+"@") {
			delete(c.entries, k)
		}
	}
	return nil
}

func newTestRetriever(batch bool) (*Retriever, *fakeServer, *memFiles) {
	srv := newFakeServer(batch)
	files := newMemFiles()
	return NewRetriever(fakeServers{srv: srv}, files, newMemCache(), testLogger()), srv, files
}

func walkPaths(tree *Tree) []string {
	var out []string
	tree.Walk(func(r Ref) bool {
		out = append(out, r.NamePath())
		return true
	})
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestRetriever_DocumentSymbols(t *testing.T) {
	ctx := context.Background()

	t.Run("builds the file tree and closes the document", func(t *testing.T) {
		r, srv, _ := newTestRetriever(false)

		tree, err := r.DocumentSymbols(ctx, "src/greeter.ts", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"Greeter", "Greeter/greet", "helper"}, walkPaths(tree))
		assert.Equal(t, KindFile, tree.Root().Kind())
		assert.Equal(t, 0, srv.open["src/greeter.ts"])

		_, ok := tree.At(2).Body()
		assert.False(t, ok)
	})

	t.Run("attaches bodies on request", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		tree, err := r.DocumentSymbols(ctx, "src/greeter.ts", true)
		require.NoError(t, err)
		body, ok := tree.At(2).Body()
		assert.True(t, ok)
		assert.Equal(t, "greet() {\n  }", body)
	})

	t.Run("serves unchanged files from the cache", func(t *testing.T) {
		r, srv, files := newTestRetriever(false)

		_, err := r.DocumentSymbols(ctx, "src/greeter.ts", false)
		require.NoError(t, err)
		second, err := r.DocumentSymbols(ctx, "src/greeter.ts", true)
		require.NoError(t, err)
		assert.Equal(t, 1, srv.count(lsp.MethodDocumentSymbol))

		body, _ := second.At(3).Body()
		assert.Equal(t, "function helper() {}", body)

		files.write("src/greeter.ts", greeterSource+"\n")
		_, err = r.DocumentSymbols(ctx, "src/greeter.ts", false)
		require.NoError(t, err)
		assert.Equal(t, 2, srv.count(lsp.MethodDocumentSymbol))
	})

	t.Run("returns fresh trees", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		a, err := r.DocumentSymbols(ctx, "src/greeter.ts", false)
		require.NoError(t, err)
		a.Nodes[1].Name = "Mutated"

		b, err := r.DocumentSymbols(ctx, "src/greeter.ts", false)
		require.NoError(t, err)
		assert.Equal(t, "Greeter", b.At(1).Name())
	})

	t.Run("unsupported language", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		_, err := r.DocumentSymbols(ctx, "README.md", false)
		assert.ErrorIs(t, err, lsp.ErrUnsupportedLanguage)
	})

	t.Run("missing file", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		_, err := r.DocumentSymbols(ctx, "nope.ts", false)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestRetriever_FullSymbolTree(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to document symbols and nests directories", func(t *testing.T) {
		r, srv, _ := newTestRetriever(false)

		tree, err := r.FullSymbolTree(ctx, "", false)
		require.NoError(t, err)

		assert.Equal(t, KindPackage, tree.Root().Kind())
		var names []string
		tree.Walk(func(ref Ref) bool {
			names = append(names, ref.Kind().String()+":"+ref.Name())
			return true
		})
		assert.Equal(t, []string{
			"Package:src",
			"File:greeter", "Class:Greeter", "Method:greet", "Function:helper",
			"Package:util",
			"File:math", "Constant:PI",
		}, names)

		assert.Equal(t, 1, srv.count(lsp.MethodFullSymbolTree))
		_, err = r.FullSymbolTree(ctx, "src", false)
		require.NoError(t, err)
		assert.Equal(t, 1, srv.count(lsp.MethodFullSymbolTree), "method not found is remembered")
	})

	t.Run("within a directory", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		tree, err := r.FullSymbolTree(ctx, "src/util", false)
		require.NoError(t, err)
		assert.Equal(t, "util", tree.Root().Name())
		assert.Equal(t, []string{"math", "PI"}, walkPaths(tree))
	})

	t.Run("within a file", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		tree, err := r.FullSymbolTree(ctx, "src/util/math.ts", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"math", "PI"}, walkPaths(tree))
	})

	t.Run("uses the batch method when available", func(t *testing.T) {
		r, srv, _ := newTestRetriever(true)
		srv.batchOut[lsp.MethodFullSymbolTree] = []lsp.UnifiedSymbol{
			{Name: "Greeter", Kind: lsp.SymbolKind(KindClass), Location: lsp.UnifiedSymbolLocation{RelativePath: "src/greeter.ts", Range: rng(0, 0, 3, 1)}},
			{Name: "PI", Kind: lsp.SymbolKind(KindConstant), Location: lsp.UnifiedSymbolLocation{RelativePath: "src/util/math.ts", Range: rng(0, 13, 0, 19)}},
		}

		tree, err := r.FullSymbolTree(ctx, "", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"src", "src/greeter", "Greeter", "src/util", "src/util/math", "PI"}, walkPaths(tree))
		assert.Equal(t, 0, srv.count(lsp.MethodDocumentSymbol))

		refs := FindSymbols(tree, "PI", FindOptions{})
		require.Len(t, refs, 1)
		body, _ := refs[0].Body()
		assert.Equal(t, "PI = 3", body)
	})
}

func TestRetriever_ReferencingSymbols(t *testing.T) {
	ctx := context.Background()

	t.Run("maps references to containing symbols", func(t *testing.T) {
		r, srv, _ := newTestRetriever(false)
		uri := func(rel string) string { return lsp.PathToURI(filepath.Join(testRoot, rel)) }
		srv.refs = []lsp.Location{
			{URI: uri("src/greeter.ts"), Range: rng(4, 15, 4, 16)},
			{URI: uri("src/greeter.ts"), Range: rng(4, 17, 4, 18)},
			{URI: uri("src/util/math.ts"), Range: rng(0, 0, 0, 6)},
			{URI: "file:///elsewhere/lib.ts", Range: rng(0, 0, 0, 1)},
		}

		refs, err := r.ReferencingSymbols(ctx, "src/util/math.ts", lsp.Position{Line: 0, Character: 13}, false)
		require.NoError(t, err)
		require.Len(t, refs, 2)

		assert.Equal(t, "helper", refs[0].Symbol.NamePath())
		assert.Equal(t, 4, refs[0].Line)
		assert.Equal(t, 15, refs[0].Character)

		assert.True(t, refs[1].Symbol.IsRoot(), "outside any symbol maps to the file")
		assert.Equal(t, "src/util/math.ts", refs[1].Symbol.RelativePath())

		assert.Equal(t, 0, srv.open["src/util/math.ts"])
		assert.Equal(t, 1, srv.count(lsp.MethodReferencingSymbols))
	})

	t.Run("uses the batch method when available", func(t *testing.T) {
		r, srv, _ := newTestRetriever(true)
		srv.batchOut[lsp.MethodReferencingSymbols] = []lsp.ReferencingSymbol{{
			Symbol: lsp.UnifiedSymbol{Name: "helper", Kind: lsp.SymbolKind(KindFunction),
				Location: lsp.UnifiedSymbolLocation{RelativePath: "src/greeter.ts", Range: rng(4, 0, 4, 20)}},
			Line:      4,
			Character: 15,
		}}

		refs, err := r.ReferencingSymbols(ctx, "src/util/math.ts", lsp.Position{Line: 0, Character: 13}, true)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "helper", refs[0].Symbol.NamePath())
		body, ok := refs[0].Symbol.Body()
		assert.True(t, ok)
		assert.Equal(t, "function helper() {}", body)
		assert.Equal(t, 0, srv.count(lsp.MethodReferences))
	})
}

func TestRetriever_Overview(t *testing.T) {
	ctx := context.Background()

	t.Run("top level symbols per file", func(t *testing.T) {
		r, _, _ := newTestRetriever(false)

		out, err := r.Overview(ctx, "")
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, []string{"Greeter", "helper"}, walkPaths(out["src/greeter.ts"]))
		assert.Equal(t, []string{"PI"}, walkPaths(out["src/util/math.ts"]))
	})

	t.Run("batch", func(t *testing.T) {
		r, srv, _ := newTestRetriever(true)
		srv.batchOut[lsp.MethodOverview] = lsp.OverviewResult{
			"src/greeter.ts": {{
				Name: "Greeter", Kind: lsp.SymbolKind(KindClass),
				Location: lsp.UnifiedSymbolLocation{RelativePath: "src/greeter.ts", Range: rng(0, 0, 3, 1)},
				Children: []lsp.UnifiedSymbol{{Name: "greet", Kind: lsp.SymbolKind(KindMethod)}},
			}},
		}

		out, err := r.Overview(ctx, "src/greeter.ts")
		require.NoError(t, err)
		assert.Equal(t, []string{"Greeter"}, walkPaths(out["src/greeter.ts"]))
	})
}

func TestRetriever_Find(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRetriever(false)

	refs, err := r.Find(ctx, "greet", "src/greeter.ts", FindOptions{}, true)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	body, _ := refs[0].Body()
	assert.Equal(t, "greet() {\n  }", body)

	refs, err = r.Find(ctx, "PI", "", FindOptions{}, false)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "src/util/math.ts", refs[0].RelativePath())

	refs, err = r.Find(ctx, "e", "src", FindOptions{SubstringMatch: true, IncludeKinds: []Kind{KindFunction}}, false)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "helper", refs[0].Name())
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash("a"), ContentHash("a"))
	assert.NotEqual(t, ContentHash("a"), ContentHash("a\n"))
	assert.Len(t, ContentHash(""), 64)
}
