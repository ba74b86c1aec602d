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
)

// MatchNamePath reports whether pattern addresses a symbol whose name path
// is parts.
//
// Description:
//
//	The pattern is split on "/". A single leading "/" makes it absolute
//	and trailing slashes are ignored. An empty pattern matches everything.
//	A relative pattern matches a suffix of parts, an absolute one must
//	cover all of parts. Every segment but the last must equal the
//	corresponding ancestor name. The last segment must equal the symbol
//	name, or be contained in it when substring is set.
//
// Examples:
//
//	MatchNamePath("/a/b", []string{"a", "b"}, false)      // true
//	MatchNamePath("/a/b", []string{"x", "a", "b"}, false) // false
//	MatchNamePath("a/b", []string{"x", "a", "b"}, false)  // true
//	MatchNamePath("b", []string{"a", "sub_b"}, true)      // true
func MatchNamePath(pattern string, parts []string, substring bool) bool {
	absolute := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	pattern = strings.TrimRight(pattern, "/")
	if pattern == "" {
		return true
	}

	segments := strings.Split(pattern, "/")
	if len(segments) > len(parts) {
		return false
	}
	if absolute && len(segments) != len(parts) {
		return false
	}

	offset := len(parts) - len(segments)
	last := len(segments) - 1
	for i := 0; i < last; i++ {
		if segments[i] != parts[offset+i] {
			return false
		}
	}

	name := parts[len(parts)-1]
	if substring {
		return strings.Contains(name, segments[last])
	}
	return name == segments[last]
}

// FindOptions filters FindSymbols results.
type FindOptions struct {
	// SubstringMatch lets the last pattern segment match part of a name.
	SubstringMatch bool

	// IncludeKinds keeps only these kinds when non-empty.
	IncludeKinds []Kind

	// ExcludeKinds drops these kinds.
	ExcludeKinds []Kind
}

func (o FindOptions) accepts(k Kind) bool {
	if len(o.IncludeKinds) > 0 && !containsKind(o.IncludeKinds, k) {
		return false
	}
	return !containsKind(o.ExcludeKinds, k)
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// FindSymbols returns every symbol below the root of tree that matches
// pattern, in depth-first pre-order.
func FindSymbols(tree *Tree, pattern string, opts FindOptions) []Ref {
	var out []Ref
	tree.Walk(func(r Ref) bool {
		if opts.accepts(r.Kind()) && MatchNamePath(pattern, r.NamePathParts(), opts.SubstringMatch) {
			out = append(out, r)
		}
		return true
	})
	return out
}

// FindUnique resolves pattern to exactly one symbol.
//
// Errors:
//
//	*NotFoundError - nothing matches
//	*AmbiguousError - more than one symbol matches; lists all of them
func FindUnique(tree *Tree, pattern, relPath string, opts FindOptions) (Ref, error) {
	matches := FindSymbols(tree, pattern, opts)
	switch len(matches) {
	case 0:
		return Ref{}, &NotFoundError{Pattern: pattern, RelativePath: relPath}
	case 1:
		return matches[0], nil
	}

	locations := make([]Location, len(matches))
	for i, m := range matches {
		locations[i] = m.Location()
	}
	return Ref{}, &AmbiguousError{Pattern: pattern, RelativePath: relPath, Locations: locations}
}
