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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHelperManager(t *testing.T) *Manager {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns helper processes")
	}

	registry := NewEmptyRegistry()
	registry.Register(helperLanguage("serve"))

	cfg := DefaultManagerConfig()
	cfg.Process = helperProcessConfig("serve")
	cfg.IdleTimeout = 0

	m := NewManager(t.TempDir(), registry, cfg, testLogger())
	t.Cleanup(func() { _ = m.ShutdownAll(context.Background()) })
	return m
}

func TestManager_GetOrSpawn(t *testing.T) {
	t.Run("concurrent callers share one server", func(t *testing.T) {
		m := newHelperManager(t)

		var wg sync.WaitGroup
		servers := make([]*Server, 8)
		errs := make([]error, 8)
		for i := range servers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				servers[i], errs[i] = m.GetOrSpawn(context.Background(), "fake")
			}(i)
		}
		wg.Wait()

		for i := range servers {
			require.NoError(t, errs[i])
			assert.Same(t, servers[0], servers[i])
		}
		assert.Equal(t, []string{"fake"}, m.RunningServers())
	})

	t.Run("routes files by extension", func(t *testing.T) {
		m := newHelperManager(t)

		srv, err := m.ForFile(context.Background(), "src/main.fake")
		require.NoError(t, err)
		assert.Equal(t, "fake", srv.Language())

		raw, err := srv.Request(context.Background(), "echo", "hi")
		require.NoError(t, err)
		assert.Equal(t, `"hi"`, string(raw))

		_, err = m.ForFile(context.Background(), "src/main.unknown")
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	})

	t.Run("unsupported language", func(t *testing.T) {
		m := newHelperManager(t)

		_, err := m.GetOrSpawn(context.Background(), "cobol")
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	})

	t.Run("missing server binary", func(t *testing.T) {
		m := newHelperManager(t)
		m.Registry().Register(Language{
			ID:             "missing",
			Extensions:     []string{".missing"},
			ResolveCommand: LookPath("smartedit-no-such-language-server"),
		})

		assert.False(t, m.IsAvailable("missing"))
		assert.True(t, m.IsAvailable("fake"))

		_, err := m.GetOrSpawn(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrServerNotInstalled)
	})
}

func TestManager_Restart(t *testing.T) {
	m := newHelperManager(t)

	first, err := m.GetOrSpawn(context.Background(), "fake")
	require.NoError(t, err)
	firstPid := first.Transport().Pid()

	second, err := m.Restart(context.Background(), "fake")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.NotEqual(t, firstPid, second.Transport().Pid())
	assert.Equal(t, ServerStateStopped, first.State())
	assert.Equal(t, ServerStateReady, second.State())
}

func TestManager_ShutdownAll(t *testing.T) {
	m := newHelperManager(t)

	srv, err := m.GetOrSpawn(context.Background(), "fake")
	require.NoError(t, err)

	require.NoError(t, m.ShutdownAll(context.Background()))
	require.NoError(t, m.ShutdownAll(context.Background()))

	assert.Equal(t, ServerStateStopped, srv.State())
	assert.Empty(t, m.RunningServers())

	_, err = m.GetOrSpawn(context.Background(), "fake")
	assert.ErrorIs(t, err, ErrManagerStopped)
}
