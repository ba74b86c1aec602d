// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor applies symbol-addressed and line-addressed edits to
// project files.
//
// Symbols are resolved through a fresh document symbol tree of the target
// file; the name path must match exactly one symbol. Every successful
// write creates missing parent directories, replaces the file atomically
// and reports the file as modified, which clears the session's recorded
// reads of that file.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
	"github.com/AleutianAI/smartedit/services/smartedit/textpos"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// SymbolSource returns the document symbols of a file.
// *symbol.Retriever implements it.
type SymbolSource interface {
	DocumentSymbols(ctx context.Context, relPath string, includeBody bool) (*symbol.Tree, error)
}

// Files reads project files and maps them to disk.
// *project.Project implements it.
type Files interface {
	ReadFile(relPath string) (string, error)
	AbsPath(relPath string) (string, error)
}

// ReadChecker confirms that a line range was read before it is edited.
// *session.Tracker implements it.
type ReadChecker interface {
	Check(file string, start, end int) error
}

// Result describes a completed edit.
type Result struct {
	// Path is the edited file relative to the project root.
	Path string `json:"path"`

	// Diff is the change as a unified diff.
	Diff string `json:"diff"`
}

// Options configures an Editor.
type Options struct {
	// Reads enforces read-before-write for line ranges. Nil disables it.
	Reads ReadChecker

	// OnModified is called with the relative path after every write.
	OnModified func(relPath string)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Editor performs edits.
//
// Thread Safety:
//
//	An Editor holds no per-edit state, but concurrent edits of the same
//	file race. Run edits through the scheduler.
type Editor struct {
	symbols    SymbolSource
	files      Files
	reads      ReadChecker
	onModified func(string)
	logger     *slog.Logger
}

// New creates an editor.
func New(symbols SymbolSource, files Files, opts Options) *Editor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{
		symbols:    symbols,
		files:      files,
		reads:      opts.Reads,
		onModified: opts.OnModified,
		logger:     logger,
	}
}

// =============================================================================
// SYMBOL EDITS
// =============================================================================

// ReplaceBody replaces the whole body range of a symbol with body, trimmed
// of surrounding whitespace.
func (e *Editor) ReplaceBody(ctx context.Context, namePath, relPath, body string) (*Result, error) {
	target, text, err := e.resolve(ctx, namePath, relPath)
	if err != nil {
		return nil, err
	}
	start, end, err := rangeOffsets(text, target.Range())
	if err != nil {
		return nil, err
	}
	return e.write(relPath, text, text[:start]+strings.TrimSpace(body)+text[end:])
}

// InsertAfterSymbol inserts body on the line after the end of a symbol.
//
// Description:
//
//	Leading newlines of body are replaced by max(minimum, original count)
//	newlines, where the minimum is one blank line after functions, methods,
//	classes, interfaces and structs and zero otherwise. Body ends with
//	exactly one newline.
func (e *Editor) InsertAfterSymbol(ctx context.Context, namePath, relPath, body string) (*Result, error) {
	target, text, err := e.resolve(ctx, namePath, relPath)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimLeft(body, "\r\n")
	leading := strings.Count(body[:len(body)-len(trimmed)], "\n")
	blank := max(target.Kind().MinBlankLines(), leading)
	insert := strings.Repeat("\n", blank) + strings.TrimRight(trimmed, "\r\n") + "\n"

	text, off, err := lineStart(text, target.Range().End.Line+1)
	if err != nil {
		return nil, err
	}
	return e.insertAt(relPath, text, off, insert)
}

// InsertBeforeSymbol inserts body at the start of the line a symbol
// begins on.
//
// Description:
//
//	Trailing whitespace of body is replaced by one newline plus
//	max(minimum, original trailing newlines - 1) blank lines, with the
//	same minimum as InsertAfterSymbol.
func (e *Editor) InsertBeforeSymbol(ctx context.Context, namePath, relPath, body string) (*Result, error) {
	target, text, err := e.resolve(ctx, namePath, relPath)
	if err != nil {
		return nil, err
	}

	core := strings.TrimRight(body, "\r\n")
	trailing := strings.Count(body[len(core):], "\n")
	blank := max(target.Kind().MinBlankLines(), trailing-1)
	insert := strings.TrimRightFunc(body, isSpace) + "\n" + strings.Repeat("\n", blank)

	text, off, err := lineStart(text, target.Range().Start.Line)
	if err != nil {
		return nil, err
	}
	return e.insertAt(relPath, text, off, insert)
}

// DeleteSymbol removes the body range of a symbol.
func (e *Editor) DeleteSymbol(ctx context.Context, namePath, relPath string) (*Result, error) {
	target, text, err := e.resolve(ctx, namePath, relPath)
	if err != nil {
		return nil, err
	}
	start, end, err := rangeOffsets(text, target.Range())
	if err != nil {
		return nil, err
	}
	return e.write(relPath, text, text[:start]+text[end:])
}

// =============================================================================
// LINE EDITS
// =============================================================================

// InsertAtLine inserts content verbatim at the start of line. A missing
// file is created when line is 0.
func (e *Editor) InsertAtLine(relPath string, line int, content string) (*Result, error) {
	text, err := e.files.ReadFile(relPath)
	if errors.Is(err, fs.ErrNotExist) && line == 0 {
		text, err = "", nil
	}
	if err != nil {
		return nil, err
	}

	text, off, err := lineStart(text, line)
	if err != nil {
		return nil, err
	}
	return e.insertAt(relPath, text, off, content)
}

// DeleteLines removes lines [start, end], zero-based and inclusive, with
// the newline of line end. The exact range must have been read first.
//
// Errors:
//
//	ErrInvalidLineRange - end < start
//	*session.StaleReadError - the range was not read
//	*OutOfBoundsError - a line does not exist
func (e *Editor) DeleteLines(relPath string, start, end int) (*Result, error) {
	text, from, to, err := e.lineSpan(relPath, start, end)
	if err != nil {
		return nil, err
	}
	return e.write(relPath, text, text[:from]+text[to:])
}

// ReplaceLines replaces lines [start, end] with content, inserted
// verbatim. The exact range must have been read first.
func (e *Editor) ReplaceLines(relPath string, start, end int, content string) (*Result, error) {
	text, from, to, err := e.lineSpan(relPath, start, end)
	if err != nil {
		return nil, err
	}
	return e.write(relPath, text, text[:from]+content+text[to:])
}

func (e *Editor) lineSpan(relPath string, start, end int) (string, int, int, error) {
	if end < start {
		return "", 0, 0, invalidLineRange(start, end)
	}
	if e.reads != nil {
		if err := e.reads.Check(relPath, start, end); err != nil {
			return "", 0, 0, err
		}
	}

	text, err := e.files.ReadFile(relPath)
	if err != nil {
		return "", 0, 0, err
	}
	from, err := textpos.Offset(text, lsp.Position{Line: start})
	if err != nil {
		return "", 0, 0, err
	}
	to, err := lineEnd(text, end)
	if err != nil {
		return "", 0, 0, err
	}
	return text, from, to, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// resolve finds the single symbol matching namePath in relPath and returns
// it with the current file content.
func (e *Editor) resolve(ctx context.Context, namePath, relPath string) (symbol.Ref, string, error) {
	text, err := e.files.ReadFile(relPath)
	if err != nil {
		return symbol.Ref{}, "", err
	}
	tree, err := e.symbols.DocumentSymbols(ctx, relPath, false)
	if err != nil {
		return symbol.Ref{}, "", err
	}
	target, err := symbol.FindUnique(tree, namePath, relPath, symbol.FindOptions{})
	if err != nil {
		return symbol.Ref{}, "", err
	}
	return target, text, nil
}

func rangeOffsets(text string, r lsp.Range) (int, int, error) {
	start, err := textpos.Offset(text, r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := textpos.Offset(text, r.End)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("symbol range ends at %d:%d before it starts at %d:%d",
			r.End.Line, r.End.Character, r.Start.Line, r.Start.Character)
	}
	return start, end, nil
}

// insertAt writes text with content inserted at off. before is the file
// content as read, which may differ from text by an appended newline.
func (e *Editor) insertAt(relPath, text string, off int, content string) (*Result, error) {
	before, err := e.files.ReadFile(relPath)
	if errors.Is(err, fs.ErrNotExist) {
		before, err = "", nil
	}
	if err != nil {
		return nil, err
	}
	return e.write(relPath, before, text[:off]+content+text[off:])
}

func (e *Editor) write(relPath, before, after string) (*Result, error) {
	abs, err := e.files.AbsPath(relPath)
	if err != nil {
		return nil, err
	}
	if err := writeFile(abs, []byte(after)); err != nil {
		return nil, fmt.Errorf("write %s: %w", relPath, err)
	}

	if e.onModified != nil {
		e.onModified(relPath)
	}

	d, err := unifiedDiff(relPath, before, after)
	if err != nil {
		e.logger.Warn("rendering diff failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}
	e.logger.Debug("file edited",
		slog.String("path", relPath),
		slog.Int("bytes", len(after)),
	)
	return &Result{Path: relPath, Diff: d}, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}
