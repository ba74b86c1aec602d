// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lsp

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func terminateProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(unix.SIGTERM)
}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(unix.SIGKILL)
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
