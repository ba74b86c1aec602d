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
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines around a change.
const diffContext = 3

const noNewline = "\\ No newline at end of file\n"

// unifiedDiff renders the change from before to after as a single-hunk
// unified diff. Identical inputs give "".
func unifiedDiff(path, before, after string) (string, error) {
	if before == after {
		return "", nil
	}

	orig := splitLines(before)
	next := splitLines(after)

	prefix := 0
	for prefix < len(orig) && prefix < len(next) && orig[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(orig)-prefix && suffix < len(next)-prefix &&
		orig[len(orig)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	start := max(0, prefix-diffContext)
	trail := min(suffix, diffContext)
	origEnd := len(orig) - suffix + trail
	nextEnd := len(next) - suffix + trail

	var body strings.Builder
	for _, l := range orig[start:prefix] {
		writeLine(&body, ' ', l)
	}
	for _, l := range orig[prefix : len(orig)-suffix] {
		writeLine(&body, '-', l)
	}
	for _, l := range next[prefix : len(next)-suffix] {
		writeLine(&body, '+', l)
	}
	for _, l := range orig[len(orig)-suffix : origEnd] {
		writeLine(&body, ' ', l)
	}

	hunk := &diff.Hunk{
		OrigStartLine: hunkStart(start, origEnd-start),
		OrigLines:     int32(origEnd - start),
		NewStartLine:  hunkStart(start, nextEnd-start),
		NewLines:      int32(nextEnd - start),
		Body:          []byte(body.String()),
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    []*diff.Hunk{hunk},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// hunkStart is the 1-based start line of a hunk side; an empty side names
// the line before it.
func hunkStart(start, lines int) int32 {
	if lines == 0 {
		return int32(start)
	}
	return int32(start + 1)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLine(b *strings.Builder, mark byte, line string) {
	b.WriteByte(mark)
	b.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		b.WriteString("\n")
		b.WriteString(noNewline)
	}
}
