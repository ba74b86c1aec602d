// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
)

func sampleTree() *symbol.Tree {
	t := symbol.NewTree(symbol.FileNode("pkg/a.go"))
	idx := t.Add(0, symbol.Node{
		Name:         "Run",
		Kind:         symbol.KindFunction,
		RelativePath: "pkg/a.go",
		Range:        lsp.Range{Start: lsp.Position{Line: 2}, End: lsp.Position{Line: 4, Character: 1}},
		Body:         "func Run() {\n}",
		HasBody:      true,
	})
	t.Add(idx, symbol.Node{Name: "x", Kind: symbol.KindVariable, RelativePath: "pkg/a.go"})
	return t
}

func openTest(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_PutGet(t *testing.T) {
	c := openTest(t)

	require.NoError(t, c.Put("pkg/a.go", "h1", sampleTree()))

	got, ok := c.Get("pkg/a.go", "h1")
	require.True(t, ok)
	assert.Equal(t, 3, got.Len())
	assert.Equal(t, "Run/x", got.At(2).NamePath())

	_, hasBody := got.At(1).Body()
	assert.False(t, hasBody, "bodies are not persisted")

	_, ok = c.Get("pkg/a.go", "h2")
	assert.False(t, ok, "hash mismatch is a miss")

	_, ok = c.Get("pkg/b.go", "h1")
	assert.False(t, ok)
}

func TestCache_PutDoesNotModifyCaller(t *testing.T) {
	c := openTest(t)
	tree := sampleTree()

	require.NoError(t, c.Put("pkg/a.go", "h1", tree))
	body, ok := tree.At(1).Body()
	assert.True(t, ok)
	assert.Equal(t, "func Run() {\n}", body)
}

func TestCache_GetReturnsFreshTrees(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.Put("pkg/a.go", "h1", sampleTree()))

	a, _ := c.Get("pkg/a.go", "h1")
	a.Nodes[1].Name = "Mutated"

	b, _ := c.Get("pkg/a.go", "h1")
	assert.Equal(t, "Run", b.At(1).Name())
}

func TestCache_InvalidateAndClear(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.Put("pkg/a.go", "h1", sampleTree()))
	require.NoError(t, c.Put("pkg/b.go", "h1", sampleTree()))

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Invalidate("pkg/a.go"))
	_, ok := c.Get("pkg/a.go", "h1")
	assert.False(t, ok)
	_, ok = c.Get("pkg/b.go", "h1")
	assert.True(t, ok)

	require.NoError(t, c.Invalidate("never/stored.go"))

	require.NoError(t, c.Clear())
	n, err = c.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCache_Persistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	c, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Put("pkg/a.go", "h1", sampleTree()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	c2, err := Open(cfg)
	require.NoError(t, err)
	defer c2.Close()

	_, ok := c2.Get("pkg/a.go", "h1")
	assert.True(t, ok)
}

func TestCache_GCRunnerStops(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	c, err := Open(cfg)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}
