// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns helper processes")
	}

	t.Run("round trip and shutdown", func(t *testing.T) {
		tr := NewTransport(helperProcessConfig("serve"), testLogger())
		require.NoError(t, tr.Start(context.Background()))
		defer tr.Dispose()

		assert.Greater(t, tr.Pid(), 0)
		assert.True(t, tr.IsRunning())

		raw, err := tr.SendRequest(context.Background(), "echo", []int{1, 2})
		require.NoError(t, err)
		assert.JSONEq(t, `[1,2]`, string(raw))

		require.NoError(t, tr.Shutdown(context.Background()))
		tr.Dispose()

		select {
		case <-tr.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("transport not done after dispose")
		}
		assert.False(t, tr.IsRunning())
	})

	t.Run("reports an exit during startup with stderr", func(t *testing.T) {
		cfg := helperProcessConfig("exit")
		cfg.StartupProbe = 5 * time.Second
		tr := NewTransport(cfg, testLogger())

		err := tr.Start(context.Background())

		var te *TerminatedError
		require.ErrorAs(t, err, &te)
		assert.ErrorIs(t, err, ErrTerminated)
		assert.Contains(t, te.Stderr, "fatal: cannot load workspace")
	})

	t.Run("kills a server that ignores the protocol", func(t *testing.T) {
		tr := NewTransport(helperProcessConfig("silent"), testLogger())
		require.NoError(t, tr.Start(context.Background()))

		start := time.Now()
		tr.Dispose()

		select {
		case <-tr.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("silent server still running after dispose")
		}
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("tolerates junk on stdout", func(t *testing.T) {
		tr := NewTransport(helperProcessConfig("noisy"), testLogger())
		require.NoError(t, tr.Start(context.Background()))
		defer tr.Dispose()

		raw, err := tr.SendRequest(context.Background(), "echo", "ok")
		require.NoError(t, err)
		assert.Equal(t, `"ok"`, string(raw))
	})

	t.Run("missing command", func(t *testing.T) {
		tr := NewTransport(ProcessConfig{Command: "smartedit-no-such-language-server"}, testLogger())

		err := tr.Start(context.Background())
		assert.ErrorIs(t, err, ErrServerNotInstalled)

		// A failed start can be retried.
		assert.ErrorIs(t, tr.Start(context.Background()), ErrServerNotInstalled)
	})
}

func TestStderrSink(t *testing.T) {
	t.Run("keeps the tail", func(t *testing.T) {
		s := &stderrSink{logger: testLogger()}
		_, _ = s.Write([]byte(strings.Repeat("a", stderrTailSize)))
		_, _ = s.Write([]byte("last line\n"))

		got := s.String()
		assert.Len(t, got, stderrTailSize)
		assert.True(t, strings.HasSuffix(got, "last line\n"))
	})

	t.Run("accepts partial lines", func(t *testing.T) {
		s := &stderrSink{logger: testLogger()}
		_, _ = s.Write([]byte("par"))
		_, _ = s.Write([]byte("tial\nnext"))

		assert.Equal(t, "partial\nnext", s.String())
	})
}
