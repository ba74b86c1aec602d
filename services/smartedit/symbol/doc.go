// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbol models the symbols reported by language servers and
// resolves name paths against them.
//
// # Trees
//
// A Tree is an arena of Nodes linked by index. Every retrieval produces a
// fresh Tree; nothing is shared between calls, so a Ref stays valid for as
// long as the caller holds it.
//
// # Name Paths
//
// A name path joins the names from the outermost enclosing symbol down to
// a symbol with "/", e.g. "Greeter/greet". A pattern may be relative
// ("greet", "Greeter/greet") or absolute ("/Greeter/greet"). See
// MatchNamePath.
//
// # Example
//
//	r := symbol.NewRetriever(symbol.ManagerServers(mgr), proj, cache, logger)
//	tree, err := r.DocumentSymbols(ctx, "pkg/greeter.go", false)
//	ref, err := symbol.FindUnique(tree, "Greeter/greet", "pkg/greeter.go", symbol.FindOptions{})
package symbol
