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
	"fmt"
	"sort"

	"github.com/AleutianAI/smartedit/services/smartedit/editor"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
	"github.com/AleutianAI/smartedit/services/smartedit/textpos"
)

// =============================================================================
// READ TOOLS
// =============================================================================

// ReadResult is the outcome of ReadFile.
type ReadResult struct {
	Path    string `json:"path"`
	Start   int    `json:"start_line"`
	End     int    `json:"end_line"`
	Content string `json:"content"`
}

// ReadFile returns lines [start, end] of relPath and records the range
// as read. A negative end reads to the last line; the recorded range is
// the one actually returned.
func (s *Service) ReadFile(ctx context.Context, relPath string, start, end int) (*ReadResult, error) {
	return run(ctx, s, "read_file", func(context.Context) (*ReadResult, error) {
		content, err := s.project.ReadLines(relPath, start, end)
		if err != nil {
			return nil, err
		}
		res := &ReadResult{Path: relPath, Start: start, End: start - 1, Content: content}
		if n := textpos.LineCount(content); n > 0 {
			res.End = start + n - 1
			s.tracker.Record(relPath, res.Start, res.End)
		}
		return res, nil
	})
}

// Overview returns the top-level symbols of a file, or of every file
// below a directory, keyed by file.
func (s *Service) Overview(ctx context.Context, relPath string) (map[string][]symbol.Info, error) {
	return run(ctx, s, "get_symbols_overview", func(ctx context.Context) (map[string][]symbol.Info, error) {
		if err := s.validateDirOrFile(relPath); err != nil {
			return nil, err
		}
		trees, err := s.retriever.Overview(ctx, relPath)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]symbol.Info, len(trees))
		for file, tree := range trees {
			infos := make([]symbol.Info, 0)
			for _, c := range tree.Root().Children() {
				infos = append(infos, c.Info(0, false))
			}
			out[file] = infos
		}
		return out, nil
	})
}

// FindQuery selects symbols for FindSymbol.
type FindQuery struct {
	// NamePath is the name path pattern, e.g. "Greeter/greet" or "/Greeter".
	NamePath string `json:"name_path"`

	// RelativePath restricts the search to a file or directory. Empty
	// searches the whole project.
	RelativePath string `json:"relative_path,omitempty"`

	SubstringMatch bool          `json:"substring_matching,omitempty"`
	IncludeKinds   []symbol.Kind `json:"include_kinds,omitempty"`
	ExcludeKinds   []symbol.Kind `json:"exclude_kinds,omitempty"`

	// Depth includes that many levels of children.
	Depth int `json:"depth,omitempty"`

	IncludeBody bool `json:"include_body,omitempty"`
}

// FindSymbol returns the symbols matching q in depth-first pre-order.
func (s *Service) FindSymbol(ctx context.Context, q FindQuery) ([]symbol.Info, error) {
	return run(ctx, s, "find_symbol", func(ctx context.Context) ([]symbol.Info, error) {
		if err := s.validateDirOrFile(q.RelativePath); err != nil {
			return nil, err
		}
		refs, err := s.retriever.Find(ctx, q.NamePath, q.RelativePath, symbol.FindOptions{
			SubstringMatch: q.SubstringMatch,
			IncludeKinds:   q.IncludeKinds,
			ExcludeKinds:   q.ExcludeKinds,
		}, q.IncludeBody)
		if err != nil {
			return nil, err
		}
		infos := make([]symbol.Info, len(refs))
		for i, r := range refs {
			infos[i] = r.Info(q.Depth, q.IncludeBody)
		}
		return infos, nil
	})
}

// ReferenceInfo is a symbol referring to the target, with the position of
// the reference.
type ReferenceInfo struct {
	symbol.Info
	Line      int `json:"reference_line"`
	Character int `json:"reference_column"`
}

// FindReferencingSymbols resolves namePath in relPath to one symbol and
// returns the symbols that reference it, ordered by file and position.
func (s *Service) FindReferencingSymbols(ctx context.Context, namePath, relPath string, includeBody bool) ([]ReferenceInfo, error) {
	return run(ctx, s, "find_referencing_symbols", func(ctx context.Context) ([]ReferenceInfo, error) {
		if err := s.project.ValidateRelativePath(relPath); err != nil {
			return nil, err
		}
		tree, err := s.retriever.DocumentSymbols(ctx, relPath, false)
		if err != nil {
			return nil, err
		}
		target, err := symbol.FindUnique(tree, namePath, relPath, symbol.FindOptions{})
		if err != nil {
			return nil, err
		}

		refs, err := s.retriever.ReferencingSymbols(ctx, relPath, target.Node().Selection.Start, includeBody)
		if err != nil {
			return nil, err
		}
		out := make([]ReferenceInfo, len(refs))
		for i, r := range refs {
			out[i] = ReferenceInfo{Info: r.Symbol.Info(0, includeBody), Line: r.Line, Character: r.Character}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].RelativePath != out[j].RelativePath {
				return out[i].RelativePath < out[j].RelativePath
			}
			if out[i].Line != out[j].Line {
				return out[i].Line < out[j].Line
			}
			return out[i].Character < out[j].Character
		})
		return out, nil
	})
}

// validateDirOrFile accepts the empty path, meaning the project root.
func (s *Service) validateDirOrFile(relPath string) error {
	if relPath == "" {
		return nil
	}
	return s.project.ValidateRelativePath(relPath)
}

// =============================================================================
// EDIT TOOLS
// =============================================================================

// ReplaceSymbolBody replaces the body of the symbol at namePath.
func (s *Service) ReplaceSymbolBody(ctx context.Context, namePath, relPath, body string) (*editor.Result, error) {
	return run(ctx, s, "replace_symbol_body", func(ctx context.Context) (*editor.Result, error) {
		return s.editor.ReplaceBody(ctx, namePath, relPath, body)
	})
}

// InsertAfterSymbol inserts body after the symbol at namePath.
func (s *Service) InsertAfterSymbol(ctx context.Context, namePath, relPath, body string) (*editor.Result, error) {
	return run(ctx, s, "insert_after_symbol", func(ctx context.Context) (*editor.Result, error) {
		return s.editor.InsertAfterSymbol(ctx, namePath, relPath, body)
	})
}

// InsertBeforeSymbol inserts body before the symbol at namePath.
func (s *Service) InsertBeforeSymbol(ctx context.Context, namePath, relPath, body string) (*editor.Result, error) {
	return run(ctx, s, "insert_before_symbol", func(ctx context.Context) (*editor.Result, error) {
		return s.editor.InsertBeforeSymbol(ctx, namePath, relPath, body)
	})
}

// DeleteSymbol removes the symbol at namePath.
func (s *Service) DeleteSymbol(ctx context.Context, namePath, relPath string) (*editor.Result, error) {
	return run(ctx, s, "delete_symbol", func(ctx context.Context) (*editor.Result, error) {
		return s.editor.DeleteSymbol(ctx, namePath, relPath)
	})
}

// InsertAtLine inserts content verbatim at the start of line.
func (s *Service) InsertAtLine(ctx context.Context, relPath string, line int, content string) (*editor.Result, error) {
	return run(ctx, s, "insert_at_line", func(context.Context) (*editor.Result, error) {
		if line < 0 {
			return nil, fmt.Errorf("line %d: %w", line, editor.ErrInvalidLineRange)
		}
		return s.editor.InsertAtLine(relPath, line, content)
	})
}

// DeleteLines removes lines [start, end]. The range must have been read
// with ReadFile since the file was last modified.
func (s *Service) DeleteLines(ctx context.Context, relPath string, start, end int) (*editor.Result, error) {
	return run(ctx, s, "delete_lines", func(context.Context) (*editor.Result, error) {
		return s.editor.DeleteLines(relPath, start, end)
	})
}

// ReplaceLines replaces lines [start, end] with content. The range must
// have been read with ReadFile since the file was last modified.
func (s *Service) ReplaceLines(ctx context.Context, relPath string, start, end int, content string) (*editor.Result, error) {
	return run(ctx, s, "replace_lines", func(context.Context) (*editor.Result, error) {
		return s.editor.ReplaceLines(relPath, start, end, content)
	})
}
