// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textpos converts between (line, column) positions and byte
// offsets in file content.
//
// Lines are split on '\n'. Columns count UTF-16 code units, the LSP
// default, so a character outside the Basic Multilingual Plane advances
// the column by two. '\r' does not advance the column, so "a\r\nb" has "b"
// at (1, 0) and the '\r' is invisible to positions.
package textpos

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

// OutOfBoundsError reports a position that cannot be reached in the text.
type OutOfBoundsError struct {
	Line   int
	Column int

	// Lines is the number of lines in the text.
	Lines int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("position %d:%d is out of bounds (text has %d lines)", e.Line, e.Column, e.Lines)
}

// Offset returns the byte offset of pos in text.
//
// Description:
//
//	Scans text rune by rune from the start. The first offset at which the
//	running (line, column) equals pos is returned. The end of the text is
//	a valid position. A column between the two halves of a surrogate pair
//	is never reached.
//
// Errors:
//
//	*OutOfBoundsError - pos is never reached
func Offset(text string, pos lsp.Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, outOfBounds(text, pos)
	}

	line, col := 0, 0
	for i, r := range text {
		if line == pos.Line && col == pos.Character {
			return i, nil
		}
		if line > pos.Line {
			break
		}
		switch r {
		case '\n':
			line++
			col = 0
		case '\r':
		default:
			col += width(r)
		}
	}
	if line == pos.Line && col == pos.Character {
		return len(text), nil
	}
	return 0, outOfBounds(text, pos)
}

// Position returns the position of the byte offset off in text.
//
// Errors:
//
//	error - off is negative, past the end or inside a multi-byte rune
func Position(text string, off int) (lsp.Position, error) {
	if off < 0 || off > len(text) {
		return lsp.Position{}, fmt.Errorf("offset %d out of range [0, %d]", off, len(text))
	}
	if off < len(text) && !utf8.RuneStart(text[off]) {
		return lsp.Position{}, fmt.Errorf("offset %d is inside a multi-byte character", off)
	}

	line, col := 0, 0
	for _, r := range text[:off] {
		switch r {
		case '\n':
			line++
			col = 0
		case '\r':
		default:
			col += width(r)
		}
	}
	return lsp.Position{Line: line, Character: col}, nil
}

// width is the number of UTF-16 code units of r. Invalid bytes decode to
// U+FFFD and count as one.
func width(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// Slice returns the text between two positions.
func Slice(text string, r lsp.Range) (string, error) {
	start, err := Offset(text, r.Start)
	if err != nil {
		return "", err
	}
	end, err := Offset(text, r.End)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("range end %d:%d precedes start %d:%d",
			r.End.Line, r.End.Character, r.Start.Line, r.Start.Character)
	}
	return text[start:end], nil
}

// LineCount returns the number of lines as an editor shows them: a
// trailing newline does not start a new line.
func LineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func outOfBounds(text string, pos lsp.Position) *OutOfBoundsError {
	return &OutOfBoundsError{Line: pos.Line, Column: pos.Character, Lines: LineCount(text)}
}
