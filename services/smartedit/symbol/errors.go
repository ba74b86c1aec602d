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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is wrapped by *NotFoundError.
	ErrNotFound = errors.New("symbol not found")

	// ErrAmbiguous is wrapped by *AmbiguousError.
	ErrAmbiguous = errors.New("symbol is ambiguous")
)

// NotFoundError reports a name path that matched no symbol.
type NotFoundError struct {
	Pattern      string
	RelativePath string
}

func (e *NotFoundError) Error() string {
	if e.RelativePath == "" {
		return fmt.Sprintf("no symbol matches %q", e.Pattern)
	}
	return fmt.Sprintf("no symbol matches %q in %s", e.Pattern, e.RelativePath)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AmbiguousError reports a name path that matched several symbols.
type AmbiguousError struct {
	Pattern      string
	RelativePath string

	// Locations lists every match so the caller can pick one.
	Locations []Location
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q matches %d symbols", e.Pattern, len(e.Locations))
	if e.RelativePath != "" {
		fmt.Fprintf(&b, " in %s", e.RelativePath)
	}
	b.WriteString(":")
	for _, loc := range e.Locations {
		fmt.Fprintf(&b, " %s %s at %s:%d:%d;", loc.Kind, loc.NamePath, loc.RelativePath, loc.Line+1, loc.Column+1)
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }
