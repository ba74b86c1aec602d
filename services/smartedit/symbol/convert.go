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
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/textpos"
)

// =============================================================================
// ROOTS
// =============================================================================

// FileNode is the root used for the symbols of one file.
func FileNode(relPath string) Node {
	base := path.Base(filepath.ToSlash(relPath))
	return Node{
		Name:         strings.TrimSuffix(base, path.Ext(base)),
		Kind:         KindFile,
		RelativePath: relPath,
	}
}

// DirectoryNode is the root, or an inner node, for a directory.
func DirectoryNode(relPath string) Node {
	name := path.Base(filepath.ToSlash(relPath))
	if relPath == "" {
		name = "."
	}
	return Node{Name: name, Kind: KindPackage, RelativePath: relPath}
}

// =============================================================================
// FROM LSP
// =============================================================================

// FromDocumentSymbolResult builds the tree of one file from either shape of
// a textDocument/documentSymbol result. A nil result gives a tree holding
// only the file node.
func FromDocumentSymbolResult(relPath string, res *lsp.DocumentSymbolResult) *Tree {
	if res == nil {
		return NewTree(FileNode(relPath))
	}
	if len(res.Flat) > 0 {
		return FromSymbolInformation(relPath, res.Flat)
	}
	return FromDocumentSymbols(relPath, res.Hierarchical)
}

// FromDocumentSymbols builds the tree of one file from hierarchical symbols.
func FromDocumentSymbols(relPath string, symbols []lsp.DocumentSymbol) *Tree {
	tree := NewTree(FileNode(relPath))
	var add func(parent int, ds lsp.DocumentSymbol)
	add = func(parent int, ds lsp.DocumentSymbol) {
		idx := tree.Add(parent, Node{
			Name:         ds.Name,
			Kind:         Kind(ds.Kind),
			RelativePath: relPath,
			Range:        ds.Range,
			Selection:    ds.SelectionRange,
		})
		for _, c := range ds.Children {
			add(idx, c)
		}
	}
	for _, ds := range symbols {
		add(0, ds)
	}
	spanChildren(tree)
	return tree
}

// FromSymbolInformation builds the tree of one file from flat symbols,
// nesting each symbol under the innermost earlier symbol whose range
// contains it.
func FromSymbolInformation(relPath string, infos []lsp.SymbolInformation) *Tree {
	sorted := make([]lsp.SymbolInformation, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Location.Range, sorted[j].Location.Range
		if c := comparePos(a.Start, b.Start); c != 0 {
			return c < 0
		}
		// Outer ranges first.
		return comparePos(a.End, b.End) > 0
	})

	tree := NewTree(FileNode(relPath))
	var stack []int
	for _, si := range sorted {
		r := si.Location.Range
		for len(stack) > 0 && !contains(tree.Nodes[stack[len(stack)-1]].Range, r) {
			stack = stack[:len(stack)-1]
		}
		parent := 0
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		idx := tree.Add(parent, Node{
			Name:         si.Name,
			Kind:         Kind(si.Kind),
			RelativePath: relPath,
			Range:        r,
			Selection:    lsp.Range{Start: r.Start, End: r.Start},
		})
		stack = append(stack, idx)
	}
	spanChildren(tree)
	return tree
}

// FromUnified builds a tree from the smart-edit/* wire form. Each symbol's
// file comes from its relative path, or from its URI resolved against root.
func FromUnified(root Node, symbols []lsp.UnifiedSymbol, rootPath string) *Tree {
	tree := NewTree(root)
	var add func(parent int, us lsp.UnifiedSymbol)
	add = func(parent int, us lsp.UnifiedSymbol) {
		n := Node{
			Name:         us.Name,
			Kind:         Kind(us.Kind),
			RelativePath: unifiedPath(us.Location, rootPath),
			Range:        us.Location.Range,
			Selection:    lsp.Range{Start: us.Location.Range.Start, End: us.Location.Range.Start},
		}
		if us.SelectionRange != nil {
			n.Selection = *us.SelectionRange
		}
		if us.Body != nil {
			n.Body = *us.Body
			n.HasBody = true
		}
		idx := tree.Add(parent, n)
		for _, c := range us.Children {
			add(idx, c)
		}
	}
	for _, us := range symbols {
		add(0, us)
	}
	return tree
}

func unifiedPath(loc lsp.UnifiedSymbolLocation, rootPath string) string {
	if loc.RelativePath != "" {
		return loc.RelativePath
	}
	if loc.URI == "" {
		return ""
	}
	abs, err := lsp.URIToPath(loc.URI)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(rootPath, abs)
	if err != nil {
		return ""
	}
	return rel
}

// =============================================================================
// BODIES
// =============================================================================

// AttachBodies fills Body for every symbol below the root that lacks one,
// reading each file once through read.
//
// Symbols whose range does not fit the current content are left without a
// body.
func AttachBodies(tree *Tree, read func(relPath string) (string, error)) error {
	contents := make(map[string]string)
	for i := 1; i < len(tree.Nodes); i++ {
		n := &tree.Nodes[i]
		if n.HasBody || n.RelativePath == "" || n.Kind == KindFile || n.Kind == KindPackage {
			continue
		}
		text, ok := contents[n.RelativePath]
		if !ok {
			var err error
			text, err = read(n.RelativePath)
			if err != nil {
				return err
			}
			contents[n.RelativePath] = text
		}
		body, err := textpos.Slice(text, n.Range)
		if err != nil {
			continue
		}
		n.Body = body
		n.HasBody = true
	}
	return nil
}

// StripBodies clears every body in place.
func StripBodies(tree *Tree) {
	for i := range tree.Nodes {
		tree.Nodes[i].Body = ""
		tree.Nodes[i].HasBody = false
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// spanChildren sets the root range to cover its children.
func spanChildren(tree *Tree) {
	root := &tree.Nodes[0]
	for i, c := range root.Children {
		r := tree.Nodes[c].Range
		if i == 0 {
			root.Range = r
			continue
		}
		if comparePos(r.Start, root.Range.Start) < 0 {
			root.Range.Start = r.Start
		}
		if comparePos(r.End, root.Range.End) > 0 {
			root.Range.End = r.End
		}
	}
}

func comparePos(a, b lsp.Position) int {
	switch {
	case a.Line != b.Line:
		return a.Line - b.Line
	default:
		return a.Character - b.Character
	}
}

func contains(outer, inner lsp.Range) bool {
	return comparePos(outer.Start, inner.Start) <= 0 && comparePos(inner.End, outer.End) <= 0
}

// ContainsPosition reports whether pos lies within r, end inclusive.
func ContainsPosition(r lsp.Range, pos lsp.Position) bool {
	return comparePos(r.Start, pos) <= 0 && comparePos(pos, r.End) <= 0
}
