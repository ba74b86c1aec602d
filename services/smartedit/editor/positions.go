// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package editor

import (
	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
	"github.com/AleutianAI/smartedit/services/smartedit/textpos"
)

// PositionToOffset returns the byte offset of pos in text. Columns count
// UTF-16 code units and '\r' is skipped.
//
// Errors:
//
//	*OutOfBoundsError - pos is not reachable in text
func PositionToOffset(text string, pos lsp.Position) (int, error) {
	return textpos.Offset(text, pos)
}

// OffsetToPosition is the inverse of PositionToOffset.
func OffsetToPosition(text string, off int) (lsp.Position, error) {
	return textpos.Position(text, off)
}

// lineStart returns text and the offset of column 0 of line. Line
// LineCount(text) is reachable even when the last line lacks a newline:
// one is appended to text first.
func lineStart(text string, line int) (string, int, error) {
	off, err := textpos.Offset(text, lsp.Position{Line: line})
	if err == nil {
		return text, off, nil
	}
	if line == textpos.LineCount(text) && text != "" && text[len(text)-1] != '\n' {
		return text + "\n", len(text) + 1, nil
	}
	return "", 0, err
}

// lineEnd returns the offset just past the newline of line, or the end of
// text when line is the last line and has no newline.
func lineEnd(text string, line int) (int, error) {
	off, err := textpos.Offset(text, lsp.Position{Line: line + 1})
	if err == nil {
		return off, nil
	}
	if line == textpos.LineCount(text)-1 {
		return len(text), nil
	}
	return 0, err
}
