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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_SendRequest(t *testing.T) {
	t.Run("returns the matching result", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		raw, err := p.transport.SendRequest(context.Background(), "echo", map[string]string{"hello": "world"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"hello":"world"}`, string(raw))
	})

	t.Run("requires a context", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		_, err := p.transport.SendRequest(nil, "echo", nil) //nolint:staticcheck
		assert.Error(t, err)
	})

	t.Run("fails before start", func(t *testing.T) {
		tr := NewTransport(ProcessConfig{Command: "does-not-matter"}, testLogger())

		_, err := tr.SendRequest(context.Background(), "echo", nil)
		assert.ErrorIs(t, err, ErrServerNotRunning)
	})

	t.Run("surfaces server errors as RPCError", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		_, err := p.transport.SendRequest(context.Background(), "fail", nil)

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, CodeInvalidParams, rpcErr.Code)
		assert.Equal(t, "fail", rpcErr.Method)
		assert.Contains(t, rpcErr.Error(), "bad params")
	})

	t.Run("serializes concurrent callers", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				raw, err := p.transport.SendRequest(context.Background(), "echo", i)
				if err != nil {
					errs <- err
					return
				}
				if string(raw) != fmt.Sprint(i) {
					errs <- fmt.Errorf("caller %d got %s", i, raw)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})
}

func TestTransport_ServerInitiatedMessages(t *testing.T) {
	t.Run("answers server requests while a request is outstanding", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		p.transport.OnRequest(MethodWorkspaceConfig, func(_ context.Context, params json.RawMessage) (interface{}, error) {
			var cp ConfigurationParams
			if err := json.Unmarshal(params, &cp); err != nil {
				return nil, err
			}
			return make([]interface{}, len(cp.Items)), nil
		})

		raw, err := p.transport.SendRequest(context.Background(), "ask/configuration", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `[null,null]`, string(raw))
	})

	t.Run("answers unhandled server requests with method not found", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		raw, err := p.transport.SendRequest(context.Background(), "ask/unknown", nil)
		require.NoError(t, err)

		var got struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, CodeMethodNotFound, got.Code)
		assert.Contains(t, got.Message, "custom/unknown")
	})

	t.Run("maps handler panics to internal errors", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		p.transport.OnRequest("custom/panic", func(context.Context, json.RawMessage) (interface{}, error) {
			panic("boom")
		})

		raw, err := p.transport.SendRequest(context.Background(), "ask/panic", nil)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(CodeInternalError), string(raw))
	})

	t.Run("dispatches notifications before the response", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		var got atomic.Value
		p.transport.OnNotification("custom/event", func(_ context.Context, params json.RawMessage) {
			got.Store(string(params))
		})

		raw, err := p.transport.SendRequest(context.Background(), "ask/notify", nil)
		require.NoError(t, err)
		assert.Equal(t, `"done"`, string(raw))
		assert.Equal(t, `{"n":1}`, got.Load())
	})

	t.Run("last registration wins", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		p.transport.OnRequest(MethodWorkspaceConfig, func(context.Context, json.RawMessage) (interface{}, error) {
			return "first", nil
		})
		p.transport.OnRequest(MethodWorkspaceConfig, func(context.Context, json.RawMessage) (interface{}, error) {
			return "second", nil
		})

		raw, err := p.transport.SendRequest(context.Background(), "ask/configuration", nil)
		require.NoError(t, err)
		assert.Equal(t, `"second"`, string(raw))
	})
}

func TestTransport_Timeout(t *testing.T) {
	t.Run("rejects with TimeoutError and drops the late response", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := p.transport.SendRequest(ctx, "block", nil)
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, "block", timeoutErr.Method)

		assert.Eventually(t, func() bool {
			return p.fake.sawNotification("$/cancelRequest")
		}, 2*time.Second, 10*time.Millisecond)

		// The late "block" answer arrives with a stale id and must not be
		// mistaken for the next response.
		p.fake.unblock()
		time.Sleep(50 * time.Millisecond)

		raw, err := p.transport.SendRequest(context.Background(), "echo", "next")
		require.NoError(t, err)
		assert.Equal(t, `"next"`, string(raw))
	})

	t.Run("applies the configured request timeout", func(t *testing.T) {
		cfg := DefaultProcessConfig()
		cfg.RequestTimeout = 50 * time.Millisecond
		p := newFakePair(t, cfg)

		_, err := p.transport.SendRequest(context.Background(), "block", nil)

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	})
}

func TestTransport_Termination(t *testing.T) {
	t.Run("fails the outstanding request when the server goes away", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		errCh := make(chan error, 1)
		go func() {
			_, err := p.transport.SendRequest(context.Background(), "block", nil)
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, p.serverOut.Close())

		select {
		case err := <-errCh:
			var te *TerminatedError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "block", te.Method)
			assert.ErrorIs(t, err, ErrTerminated)
		case <-time.After(2 * time.Second):
			t.Fatal("request did not fail after the server went away")
		}

		assert.Eventually(t, func() bool {
			return !p.transport.IsRunning()
		}, time.Second, 5*time.Millisecond)

		_, err := p.transport.SendRequest(context.Background(), "echo", 1)
		assert.ErrorIs(t, err, ErrTerminated)
	})

	t.Run("maps a closed pipe on write to TerminatedError", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		require.NoError(t, p.clientIn.Close())

		err := p.transport.SendNotification("custom/ping", nil)
		assert.ErrorIs(t, err, ErrTerminated)
	})

	t.Run("swallows a closed pipe during shutdown", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		require.NoError(t, p.clientIn.Close())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, p.transport.Shutdown(ctx))
		assert.NoError(t, p.transport.SendNotification("exit", nil))
	})
}

func TestTransport_Lifecycle(t *testing.T) {
	t.Run("shutdown handshake sends shutdown then exit", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		require.NoError(t, p.transport.Shutdown(context.Background()))
		assert.Eventually(t, func() bool {
			return p.fake.sawNotification("exit")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("dispose is idempotent and stops the pump", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())

		p.transport.Dispose()
		p.transport.Dispose()

		select {
		case <-p.transport.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("pump still running after Dispose")
		}
		assert.False(t, p.transport.IsRunning())
		assert.Equal(t, 0, p.transport.Pid())
	})

	t.Run("start twice fails", func(t *testing.T) {
		p := newFakePair(t, DefaultProcessConfig())
		assert.ErrorIs(t, p.transport.Start(context.Background()), ErrServerAlreadyStarted)
	})
}

// slowReader returns zero bytes without error a few times before data.
type slowReader struct {
	zeros int
	r     io.Reader
}

func (s *slowReader) Read(b []byte) (int, error) {
	if s.zeros > 0 {
		s.zeros--
		return 0, nil
	}
	return s.r.Read(b)
}

func TestTransport_ZeroByteReads(t *testing.T) {
	toClientR, toClientW := io.Pipe()
	tr := NewStreamTransport("zero", &slowReader{zeros: 3, r: toClientR}, io.Discard, DefaultProcessConfig(), testLogger())
	defer tr.Dispose()

	notified := make(chan struct{})
	tr.OnNotification("custom/ready", func(context.Context, json.RawMessage) { close(notified) })

	go func() {
		_, _ = toClientW.Write([]byte(frame(`{"jsonrpc":"2.0","method":"custom/ready"}`)))
	}()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after zero-byte reads")
	}
	assert.True(t, tr.IsRunning())
	_ = toClientW.Close()
}

func TestTransport_ProtocolErrorFailsOutstandingRequest(t *testing.T) {
	toClientR, toClientW := io.Pipe()
	toServerR, toServerW := io.Pipe()
	tr := NewStreamTransport("bad", toClientR, toServerW, DefaultProcessConfig(), testLogger())
	defer tr.Dispose()

	go func() {
		buf := make([]byte, 1024)
		_, _ = toServerR.Read(buf)
		_, _ = toClientW.Write([]byte(frame(`{broken`)))
	}()

	_, err := tr.SendRequest(context.Background(), "echo", nil)
	assert.True(t, errors.Is(err, ErrProtocol), "err = %v", err)
	assert.True(t, tr.IsRunning())
}
