// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package textpos

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

func pos(line, col int) lsp.Position {
	return lsp.Position{Line: line, Character: col}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  lsp.Position
		want int
	}{
		{"start", "abc\ndef", pos(0, 0), 0},
		{"middle of first line", "abc\ndef", pos(0, 2), 2},
		{"end of first line", "abc\ndef", pos(0, 3), 3},
		{"second line", "abc\ndef", pos(1, 1), 5},
		{"end of text", "abc\ndef", pos(1, 3), 7},
		{"after trailing newline", "abc\n", pos(1, 0), 4},
		{"carriage return is skipped", "ab\r\ncd", pos(1, 0), 4},
		{"multi-byte runes count once", "héllo", pos(0, 2), 3},
		{"astral rune counts twice", "x = \"😀\"\ny = 1\n", pos(0, 8), 10},
		{"after astral rune", "😀a", pos(0, 3), 5},
		{"line after astral rune", "x = \"😀\"\ny = 1\n", pos(1, 4), 15},
		{"empty text", "", pos(0, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Offset(tt.text, tt.pos)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffset_OutOfBounds(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  lsp.Position
	}{
		{"column past line end", "abc\ndef", pos(0, 4)},
		{"line past end", "abc\n", pos(2, 0)},
		{"column past last line", "abc", pos(0, 5)},
		{"negative", "abc", pos(-1, 0)},
		{"inside a surrogate pair", "😀a", pos(0, 1)},
		{"code point column past astral line end", "😀\n", pos(0, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Offset(tt.text, tt.pos)
			var oob *OutOfBoundsError
			require.True(t, errors.As(err, &oob), "err = %v", err)
			assert.Equal(t, tt.pos.Line, oob.Line)
		})
	}
}

func TestPosition(t *testing.T) {
	p, err := Position("ab\r\ncd", 5)
	require.NoError(t, err)
	assert.Equal(t, pos(1, 1), p)

	_, err = Position("héllo", 2)
	assert.Error(t, err)

	_, err = Position("abc", 4)
	assert.Error(t, err)

	p, err = Position("x = \"😀\"\n", 9)
	require.NoError(t, err)
	assert.Equal(t, pos(0, 7), p, "the emoji takes two columns")
}

func TestSlice(t *testing.T) {
	text := "def f():\n    return 1\n"
	got, err := Slice(text, lsp.Range{Start: pos(0, 0), End: pos(1, 12)})
	require.NoError(t, err)
	assert.Equal(t, "def f():\n    return 1", got)

	_, err = Slice(text, lsp.Range{Start: pos(1, 0), End: pos(0, 0)})
	assert.Error(t, err)
}

func TestLineCount(t *testing.T) {
	assert.Equal(t, 0, LineCount(""))
	assert.Equal(t, 1, LineCount("a"))
	assert.Equal(t, 1, LineCount("a\n"))
	assert.Equal(t, 2, LineCount("a\nb"))
}

// Every reachable position maps to an offset that maps back to it.
func TestOffsetPositionRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringOfN(rapid.SampledFrom([]rune{'a', 'é', '中', '😀', '\n', '\r', ' ', '\t'}), 0, 60, -1).Draw(t, "text")
		off := rapid.IntRange(0, len(text)).Draw(t, "offset")
		for off < len(text) && text[off]&0xC0 == 0x80 {
			off++
		}

		p, err := Position(text, off)
		if err != nil {
			t.Fatalf("Position(%q, %d): %v", text, off, err)
		}
		back, err := Offset(text, p)
		if err != nil {
			t.Fatalf("Offset(%q, %v): %v", text, p, err)
		}
		again, err := Position(text, back)
		if err != nil {
			t.Fatalf("Position(%q, %d): %v", text, back, err)
		}
		if again != p {
			t.Fatalf("round trip %v -> %d -> %v", p, back, again)
		}
	})
}
