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
	"errors"
	"fmt"

	"github.com/AleutianAI/smartedit/services/smartedit/textpos"
)

// ErrInvalidLineRange is wrapped when a line range ends before it starts.
var ErrInvalidLineRange = errors.New("invalid line range")

// OutOfBoundsError reports a position that cannot be reached in the text.
type OutOfBoundsError = textpos.OutOfBoundsError

func invalidLineRange(start, end int) error {
	return fmt.Errorf("%w: end line %d precedes start line %d", ErrInvalidLineRange, end, start)
}
