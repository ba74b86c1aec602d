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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// readChunkSize is the size of each read from the server's stdout.
const readChunkSize = 32 * 1024

// zeroReadBackoff is how long the pump pauses after a read that returned
// no bytes and no error while the process is still alive.
const zeroReadBackoff = 10 * time.Millisecond

// RequestHandler answers a server-to-client request.
//
// The returned value is marshalled as the response result. Returning an
// *RPCError controls the error code; any other error is sent as
// CodeInternalError.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler consumes a server-to-client notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// rpcResult is what the pump hands to the waiting request.
type rpcResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is the single outstanding client request.
type pendingRequest struct {
	id     int64
	method string
	ch     chan rpcResult
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport speaks framed JSON-RPC with one language server.
//
// Description:
//
//	A dedicated pump goroutine reads the server's stdout, decodes frames and
//	dispatches them: server requests and notifications go to registered
//	handlers, responses go to the one request currently awaiting a reply.
//	SendRequest holds an internal mutex for the whole round trip so at most
//	one client request is outstanding at any time. A response whose id does
//	not match the outstanding request is dropped.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent SendRequest calls are serialized.
//	Handlers run on the pump goroutine and must not call SendRequest.
type Transport struct {
	cfg    ProcessConfig
	logger *slog.Logger

	// Set by Start or NewStreamTransport.
	proc   *process
	reader io.Reader
	writer io.Writer
	closer func()

	writeMu   sync.Mutex
	requestMu sync.Mutex
	nextID    atomic.Int64

	waitMu  sync.Mutex
	waiting *pendingRequest

	handlersMu           sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	started      atomic.Bool
	shuttingDown atomic.Bool
	done         chan struct{}
	exitErr      error

	ctx    context.Context
	cancel context.CancelFunc

	disposeOnce sync.Once
}

// NewTransport creates a transport for a server process. Call Start to spawn it.
//
// Inputs:
//
//	cfg - Process configuration. Command is required.
//	logger - Logger for transport events. Nil uses slog.Default().
func NewTransport(cfg ProcessConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:                  cfg,
		logger:               logger.With(slog.String("lsp_server", cfg.Name)),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		done:                 make(chan struct{}),
		ctx:                  ctx,
		cancel:               cancel,
	}
}

// NewStreamTransport creates a running transport over existing streams.
//
// Description:
//
//	Used for servers reached over something other than a child process and
//	for tests. The pump starts immediately. Dispose closes r and w when they
//	implement io.Closer.
func NewStreamTransport(name string, r io.Reader, w io.Writer, cfg ProcessConfig, logger *slog.Logger) *Transport {
	cfg.Name = name
	t := NewTransport(cfg, logger)
	t.reader = r
	t.writer = w
	t.closer = func() {
		if c, ok := w.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
	t.started.Store(true)
	go t.pump()
	return t
}

// Start spawns the server process and begins reading its output.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start was already called
//	ErrServerNotInstalled - Command not found
//	*TerminatedError - The process exited during the startup probe
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrServerAlreadyStarted
	}

	proc, err := startProcess(ctx, t.cfg, t.logger)
	if err != nil {
		t.started.Store(false)
		return err
	}

	t.proc = proc
	t.reader = proc.stdout
	t.writer = proc.stdin
	t.closer = func() { proc.stop(t.cfg.ShutdownGrace) }

	t.logger.Info("lsp server process started",
		slog.String("command", t.cfg.Command),
		slog.Int("pid", proc.pid()),
	)

	go t.pump()
	return nil
}

// =============================================================================
// HANDLER REGISTRATION
// =============================================================================

// OnRequest registers the handler for a server-to-client request method.
// A later registration for the same method replaces the earlier one.
func (t *Transport) OnRequest(method string, h RequestHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.requestHandlers[method] = h
}

// OnNotification registers the handler for a server notification method.
// A later registration for the same method replaces the earlier one.
func (t *Transport) OnNotification(method string, h NotificationHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.notificationHandlers[method] = h
}

func (t *Transport) requestHandler(method string) (RequestHandler, bool) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	h, ok := t.requestHandlers[method]
	return h, ok
}

func (t *Transport) notificationHandler(method string) (NotificationHandler, bool) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	h, ok := t.notificationHandlers[method]
	return h, ok
}

// =============================================================================
// OUTBOUND
// =============================================================================

// SendRequest sends a request and blocks until its response arrives.
//
// Description:
//
//	Allocates the next integer id, writes the frame and waits for the pump
//	to deliver the response with that id. When ctx carries no deadline the
//	configured RequestTimeout applies. After a timeout a $/cancelRequest
//	notification is sent for the abandoned id; if the server answers it
//	anyway, the late response no longer matches and is dropped.
//
// Outputs:
//
//	json.RawMessage - The raw result. "null" when the server returned null.
//	error - *RPCError, *TimeoutError, *TerminatedError or a write error
func (t *Transport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if ctx == nil {
		return nil, errors.New("ctx must not be nil")
	}
	if !t.started.Load() {
		return nil, ErrServerNotRunning
	}

	t.requestMu.Lock()
	defer t.requestMu.Unlock()

	if t.isDone() {
		return nil, t.terminatedError(method, nil)
	}

	var timeout time.Duration
	if _, ok := ctx.Deadline(); !ok && t.cfg.RequestTimeout > 0 {
		timeout = t.cfg.RequestTimeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline).Round(time.Millisecond)
	}

	id := t.nextID.Add(1)
	start := time.Now()
	ctx, span := startRequestSpan(ctx, t.cfg.Name, method, id)

	result, outcome, err := t.roundTrip(ctx, id, method, params, timeout)

	endRequestSpan(span, outcome, err)
	recordRequestMetrics(ctx, t.cfg.Name, method, outcome, time.Since(start))
	return result, err
}

func (t *Transport) roundTrip(ctx context.Context, id int64, method string, params interface{}, timeout time.Duration) (json.RawMessage, string, error) {
	p := &pendingRequest{id: id, method: method, ch: make(chan rpcResult, 1)}

	t.waitMu.Lock()
	t.waiting = p
	t.waitMu.Unlock()
	defer func() {
		t.waitMu.Lock()
		if t.waiting == p {
			t.waiting = nil
		}
		t.waitMu.Unlock()
	}()

	t.logger.Debug("lsp request", slog.String("method", method), slog.Int64("id", id))

	if err := t.write(&Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		var te *TerminatedError
		if errors.As(err, &te) {
			te.Method = method
			return nil, outcomeTerminated, te
		}
		return nil, outcomeFailed, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-p.ch:
		return classify(res)

	case <-ctx.Done():
		t.abandon(id, method)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, outcomeTimeout, &TimeoutError{Method: method, ID: id, Timeout: timeout}
		}
		return nil, outcomeFailed, fmt.Errorf("request %s cancelled: %w", method, ctx.Err())

	case <-t.done:
		// The pump may have delivered just before exiting.
		select {
		case res := <-p.ch:
			return classify(res)
		default:
		}
		return nil, outcomeTerminated, t.terminatedError(method, nil)
	}
}

func classify(res rpcResult) (json.RawMessage, string, error) {
	if res.err == nil {
		return res.result, outcomeOK, nil
	}
	var rpcErr *RPCError
	if errors.As(res.err, &rpcErr) {
		return nil, outcomeRPCError, res.err
	}
	if errors.Is(res.err, ErrTerminated) {
		return nil, outcomeTerminated, res.err
	}
	return nil, outcomeFailed, res.err
}

// abandon clears the waiter and asks the server to drop the request.
func (t *Transport) abandon(id int64, method string) {
	t.waitMu.Lock()
	if t.waiting != nil && t.waiting.id == id {
		t.waiting = nil
	}
	t.waitMu.Unlock()

	t.logger.Warn("lsp request abandoned",
		slog.String("method", method),
		slog.Int64("id", id),
	)
	if err := t.SendNotification("$/cancelRequest", map[string]int64{"id": id}); err != nil {
		t.logger.Debug("cancel request not sent", slog.String("error", err.Error()))
	}
}

// SendNotification writes a notification. No response is expected.
// A closed pipe is reported as *TerminatedError, except during shutdown
// where it is swallowed.
func (t *Transport) SendNotification(method string, params interface{}) error {
	if !t.started.Load() {
		return ErrServerNotRunning
	}
	if err := t.write(&Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}); err != nil {
		var te *TerminatedError
		if errors.As(err, &te) {
			if t.shuttingDown.Load() {
				return nil
			}
			te.Method = method
			return te
		}
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// write encodes and sends one frame in a single write call.
// A closed pipe maps to *TerminatedError and is only logged outside shutdown.
func (t *Transport) write(v interface{}) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(frame); err != nil {
		if isPipeClosed(err) {
			if !t.shuttingDown.Load() {
				t.logger.Warn("lsp stdin closed", slog.String("error", err.Error()))
			}
			return &TerminatedError{Err: err, Stderr: t.Stderr()}
		}
		return err
	}
	return nil
}

// =============================================================================
// INBOUND
// =============================================================================

// pump reads stdout until EOF or a read error and dispatches every frame.
func (t *Transport) pump() {
	defer close(t.done)

	dec := NewDecoder()
	buf := make([]byte, readChunkSize)

	for {
		n, err := t.reader.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			t.drain(dec)
		}
		if err != nil {
			t.terminate(err)
			return
		}
		if n == 0 {
			if !t.processAlive() {
				t.terminate(errors.New("process exited"))
				return
			}
			time.Sleep(zeroReadBackoff)
		}
	}
}

func (t *Transport) drain(dec *Decoder) {
	for {
		body, ok, err := dec.Next()
		if !ok {
			return
		}
		if err != nil {
			t.protocolFailure(err)
			continue
		}
		msg, err := ParseMessage(body)
		if err != nil {
			t.protocolFailure(err)
			continue
		}
		t.dispatch(msg)
	}
}

// protocolFailure fails the outstanding request, if any, with err.
func (t *Transport) protocolFailure(err error) {
	t.logger.Warn("lsp protocol error", slog.String("error", err.Error()))
	t.deliver(func(p *pendingRequest) rpcResult {
		return rpcResult{err: err}
	})
}

func (t *Transport) dispatch(msg *Message) {
	switch msg.Kind() {
	case KindResponse:
		t.handleResponse(msg)
	case KindRequest:
		t.handleServerRequest(msg)
	case KindNotification:
		t.handleNotification(msg)
	}
}

func (t *Transport) handleResponse(msg *Message) {
	id, ok := msg.IntID()

	t.waitMu.Lock()
	p := t.waiting
	if p == nil || !ok || p.id != id {
		t.waitMu.Unlock()
		t.logger.Debug("dropping response with unexpected id", slog.String("id", string(msg.ID)))
		recordDropped(t.cfg.Name, KindResponse.String())
		return
	}
	t.waiting = nil
	t.waitMu.Unlock()

	if msg.Error != nil {
		p.ch <- rpcResult{err: &RPCError{
			Method:  p.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	p.ch <- rpcResult{result: result}
}

func (t *Transport) handleServerRequest(msg *Message) {
	resp := Response{JSONRPC: JSONRPCVersion, ID: msg.ID}

	h, ok := t.requestHandler(msg.Method)
	if !ok {
		t.logger.Debug("no handler for server request", slog.String("method", msg.Method))
		resp.Error = &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	} else {
		result, err := t.callRequestHandler(h, msg)
		switch {
		case err != nil:
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				resp.Error = &ResponseError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
			} else {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
			}
		default:
			data, mErr := json.Marshal(result)
			if mErr != nil {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: mErr.Error()}
			} else {
				resp.Result = data
			}
		}
	}

	if err := t.write(resp); err != nil {
		t.logger.Warn("failed to answer server request",
			slog.String("method", msg.Method),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Transport) callRequestHandler(h RequestHandler, msg *Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", msg.Method, r)
		}
	}()
	return h(t.ctx, msg.Params)
}

func (t *Transport) handleNotification(msg *Message) {
	h, ok := t.notificationHandler(msg.Method)
	if !ok {
		recordDropped(t.cfg.Name, KindNotification.String())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("notification handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
			)
		}
	}()
	h(t.ctx, msg.Params)
}

// terminate records why the pump stopped and fails the waiting request.
func (t *Transport) terminate(cause error) {
	if errors.Is(cause, io.EOF) {
		cause = errors.New("stdout closed")
	}
	t.exitErr = cause
	t.cancel()

	if t.shuttingDown.Load() {
		t.logger.Debug("lsp transport closed", slog.String("cause", cause.Error()))
	} else {
		t.logger.Warn("lsp server terminated", slog.String("cause", cause.Error()))
	}

	t.deliver(func(p *pendingRequest) rpcResult {
		return rpcResult{err: t.terminatedError(p.method, cause)}
	})
}

// deliver hands a result to the waiting request, if any.
func (t *Transport) deliver(build func(p *pendingRequest) rpcResult) {
	t.waitMu.Lock()
	p := t.waiting
	t.waiting = nil
	t.waitMu.Unlock()

	if p != nil {
		p.ch <- build(p)
	}
}

func (t *Transport) terminatedError(method string, cause error) *TerminatedError {
	if cause == nil {
		cause = t.exitErr
	}
	if t.proc != nil {
		if exitErr := t.proc.exitErr(); exitErr != nil {
			cause = errors.Join(cause, exitErr)
		}
	}
	return &TerminatedError{Method: method, Err: cause, Stderr: t.Stderr()}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Shutdown performs the LSP shutdown handshake: a shutdown request followed
// by an exit notification. Pipe errors from here on are not reported.
func (t *Transport) Shutdown(ctx context.Context) error {
	if !t.started.Load() {
		return nil
	}
	t.shuttingDown.Store(true)
	if t.isDone() {
		return nil
	}

	if _, err := t.SendRequest(ctx, "shutdown", nil); err != nil && !errors.Is(err, ErrTerminated) {
		_ = t.SendNotification("exit", nil)
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := t.SendNotification("exit", nil); err != nil && !errors.Is(err, ErrTerminated) {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// Dispose releases the process and streams. Safe to call more than once.
//
// Description:
//
//	Closes stdin, sends SIGTERM, escalates to SIGKILL after ShutdownGrace
//	and waits for the pump to finish.
func (t *Transport) Dispose() {
	t.disposeOnce.Do(func() {
		t.shuttingDown.Store(true)
		if !t.started.Load() || t.closer == nil {
			t.cancel()
			return
		}

		t.closer()

		grace := t.cfg.ShutdownGrace + time.Second
		select {
		case <-t.done:
		case <-time.After(grace):
			t.logger.Warn("lsp pump did not exit after dispose")
		}
		t.cancel()
	})
}

// Done is closed once the pump has stopped reading.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// IsRunning reports whether the transport is started and its pump alive.
func (t *Transport) IsRunning() bool {
	return t.started.Load() && !t.isDone()
}

// Pid returns the server's process id, or 0 for stream transports.
func (t *Transport) Pid() int {
	if t.proc == nil {
		return 0
	}
	return t.proc.pid()
}

// Stderr returns the captured tail of the server's stderr.
func (t *Transport) Stderr() string {
	if t.proc == nil {
		return ""
	}
	return t.proc.stderr.String()
}

func (t *Transport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) processAlive() bool {
	if t.proc == nil {
		return true
	}
	return t.proc.alive()
}
