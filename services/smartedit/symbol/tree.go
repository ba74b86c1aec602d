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
	"strings"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

// NoParent is the Parent index of the root node.
const NoParent = -1

// =============================================================================
// NODE
// =============================================================================

// Node is one symbol stored in a Tree.
type Node struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// RelativePath is the file containing the symbol, relative to the
	// project root. Empty for directory-level nodes without a file.
	RelativePath string `json:"relative_path,omitempty"`

	// Range spans the whole body of the symbol.
	Range lsp.Range `json:"range"`

	// Selection spans the identifier, e.g. the name after "func".
	Selection lsp.Range `json:"selection"`

	// Body is the source text of Range when HasBody is set.
	Body    string `json:"body,omitempty"`
	HasBody bool   `json:"has_body,omitempty"`

	// Parent is the index of the parent node, NoParent for the root.
	Parent int `json:"parent"`

	// Children are the indices of the child nodes in source order.
	Children []int `json:"children,omitempty"`
}

// =============================================================================
// TREE
// =============================================================================

// Tree is a detached snapshot of a symbol hierarchy stored in an arena.
//
// Description:
//
//	Nodes[0] is the root. Parents are indices, not pointers, so the tree
//	has no cycles, copies with a plain slice copy and serializes as JSON.
//	The root is a container for the request (a File for document symbols,
//	a Package for a directory) and is not itself a search result.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. A finished tree is read-only and
//	safe to share.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// NewTree creates a tree holding only root.
func NewTree(root Node) *Tree {
	root.Parent = NoParent
	root.Children = nil
	return &Tree{Nodes: []Node{root}}
}

// Add appends n as the last child of parent and returns its index.
func (t *Tree) Add(parent int, n Node) int {
	idx := len(t.Nodes)
	n.Parent = parent
	n.Children = nil
	t.Nodes = append(t.Nodes, n)
	t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	return idx
}

// Graft copies the subtree of src rooted at srcIdx under parent.
func (t *Tree) Graft(parent int, src *Tree, srcIdx int) int {
	idx := t.Add(parent, src.Nodes[srcIdx])
	for _, c := range src.Nodes[srcIdx].Children {
		t.Graft(idx, src, c)
	}
	return idx
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Root returns the root node.
func (t *Tree) Root() Ref {
	return Ref{tree: t, idx: 0}
}

// At returns the node at idx.
func (t *Tree) At(idx int) Ref {
	return Ref{tree: t, idx: idx}
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	out := &Tree{Nodes: make([]Node, len(t.Nodes))}
	copy(out.Nodes, t.Nodes)
	for i := range out.Nodes {
		if t.Nodes[i].Children != nil {
			out.Nodes[i].Children = append([]int(nil), t.Nodes[i].Children...)
		}
	}
	return out
}

// Subtree returns a deep copy of the subtree rooted at idx as a new tree.
func (t *Tree) Subtree(idx int) *Tree {
	out := NewTree(t.Nodes[idx])
	for _, c := range t.Nodes[idx].Children {
		out.Graft(0, t, c)
	}
	return out
}

// Walk visits every node below the root in depth-first pre-order.
// Returning false from fn skips the node's children.
func (t *Tree) Walk(fn func(Ref) bool) {
	var visit func(idx int)
	visit = func(idx int) {
		for _, c := range t.Nodes[idx].Children {
			if fn(Ref{tree: t, idx: c}) {
				visit(c)
			}
		}
	}
	if len(t.Nodes) > 0 {
		visit(0)
	}
}

// Prune drops every node deeper than depth levels below the root.
func (t *Tree) Prune(depth int) *Tree {
	out := NewTree(t.Nodes[0])
	var copyLevel func(dst, src, level int)
	copyLevel = func(dst, src, level int) {
		if level > depth {
			return
		}
		for _, c := range t.Nodes[src].Children {
			idx := out.Add(dst, t.Nodes[c])
			copyLevel(idx, c, level+1)
		}
	}
	copyLevel(0, 0, 1)
	return out
}

// =============================================================================
// REF
// =============================================================================

// Ref addresses one node of a Tree.
type Ref struct {
	tree *Tree
	idx  int
}

// Valid reports whether r points at a node.
func (r Ref) Valid() bool {
	return r.tree != nil && r.idx >= 0 && r.idx < len(r.tree.Nodes)
}

// Tree returns the tree r belongs to.
func (r Ref) Tree() *Tree { return r.tree }

// Index returns the arena index of the node.
func (r Ref) Index() int { return r.idx }

// Node returns a copy of the node.
func (r Ref) Node() Node { return r.tree.Nodes[r.idx] }

// Name returns the symbol name.
func (r Ref) Name() string { return r.tree.Nodes[r.idx].Name }

// Kind returns the symbol kind.
func (r Ref) Kind() Kind { return r.tree.Nodes[r.idx].Kind }

// Range returns the body range.
func (r Ref) Range() lsp.Range { return r.tree.Nodes[r.idx].Range }

// RelativePath returns the file containing the symbol.
func (r Ref) RelativePath() string { return r.tree.Nodes[r.idx].RelativePath }

// Body returns the source text when it was retrieved.
func (r Ref) Body() (string, bool) {
	n := &r.tree.Nodes[r.idx]
	return n.Body, n.HasBody
}

// IsRoot reports whether r is the tree root.
func (r Ref) IsRoot() bool { return r.tree.Nodes[r.idx].Parent == NoParent }

// Parent returns the parent node. The root has none.
func (r Ref) Parent() (Ref, bool) {
	p := r.tree.Nodes[r.idx].Parent
	if p == NoParent {
		return Ref{}, false
	}
	return Ref{tree: r.tree, idx: p}, true
}

// Children returns the child nodes in source order.
func (r Ref) Children() []Ref {
	kids := r.tree.Nodes[r.idx].Children
	out := make([]Ref, len(kids))
	for i, c := range kids {
		out[i] = Ref{tree: r.tree, idx: c}
	}
	return out
}

// NamePathParts returns the names from the outermost enclosing symbol to
// this one. The walk stops below the nearest File ancestor and never
// includes the tree root.
func (r Ref) NamePathParts() []string {
	parts := []string{r.Name()}
	for cur, ok := r.Parent(); ok && !cur.IsRoot() && cur.Kind() != KindFile; cur, ok = cur.Parent() {
		parts = append(parts, cur.Name())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// NamePath returns the slash-joined name path, e.g. "Greeter/greet".
func (r Ref) NamePath() string {
	return strings.Join(r.NamePathParts(), "/")
}

// Location returns where the symbol's identifier starts.
func (r Ref) Location() Location {
	n := &r.tree.Nodes[r.idx]
	return Location{
		RelativePath: n.RelativePath,
		Line:         n.Selection.Start.Line,
		Column:       n.Selection.Start.Character,
		NamePath:     r.NamePath(),
		Kind:         n.Kind,
	}
}

// Detach returns a copy of the subtree at r as its own tree, so callers can
// keep one symbol without retaining the whole tree.
func (r Ref) Detach() Ref {
	return Ref{tree: r.tree.Subtree(r.idx), idx: 0}
}

// =============================================================================
// LOCATION & INFO
// =============================================================================

// Location identifies a symbol for diagnostics and ambiguity reports.
type Location struct {
	RelativePath string `json:"relative_path"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	NamePath     string `json:"name_path"`
	Kind         Kind   `json:"kind"`
}

// Info is the serializable view of a symbol returned to tool callers.
type Info struct {
	NamePath     string `json:"name_path"`
	Kind         string `json:"kind"`
	RelativePath string `json:"relative_path,omitempty"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
	Body         string `json:"body,omitempty"`
	Children     []Info `json:"children,omitempty"`
}

// Info converts r and depth levels of its children.
func (r Ref) Info(depth int, includeBody bool) Info {
	n := &r.tree.Nodes[r.idx]
	info := Info{
		NamePath:     r.NamePath(),
		Kind:         n.Kind.String(),
		RelativePath: n.RelativePath,
		StartLine:    n.Range.Start.Line,
		EndLine:      n.Range.End.Line,
	}
	if includeBody && n.HasBody {
		info.Body = n.Body
	}
	if depth > 0 {
		for _, c := range r.Children() {
			info.Children = append(info.Children, c.Info(depth-1, includeBody))
		}
	}
	return info
}
