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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for LSP operations.
var (
	// ErrServerNotRunning indicates the LSP server is not in a ready state.
	ErrServerNotRunning = errors.New("lsp server not running")

	// ErrServerNotInstalled indicates the LSP server binary was not found.
	ErrServerNotInstalled = errors.New("lsp server not installed")

	// ErrUnsupportedLanguage indicates no LSP configuration exists for the language.
	ErrUnsupportedLanguage = errors.New("no lsp configuration for language")

	// ErrInitializeFailed indicates the LSP initialize handshake failed.
	ErrInitializeFailed = errors.New("lsp initialize failed")

	// ErrServerAlreadyStarted indicates Start was called on an already running server.
	ErrServerAlreadyStarted = errors.New("server already started")

	// ErrTerminated indicates the language server process is gone.
	ErrTerminated = errors.New("lsp server terminated")

	// ErrTimeout indicates a request deadline elapsed before the response arrived.
	ErrTimeout = errors.New("lsp request timeout")

	// ErrProtocol indicates a malformed frame or JSON body.
	ErrProtocol = errors.New("lsp protocol error")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// RPCError represents an error returned by the language server via JSON-RPC.
//
// Handlers registered with OnRequest may also return an *RPCError to control
// the code of the error response sent back to the server.
type RPCError struct {
	// Method is the request method that failed. Empty for handler errors.
	Method string

	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the server.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	prefix := "LSP error"
	if e.Method != "" {
		prefix = fmt.Sprintf("LSP error in %s", e.Method)
	}
	if e.Data != nil {
		return fmt.Sprintf("%s %d: %s (data: %v)", prefix, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%s %d: %s", prefix, e.Code, e.Message)
}

// IsParseError returns true if this is a JSON-RPC parse error.
func (e *RPCError) IsParseError() bool {
	return e.Code == CodeParseError
}

// IsMethodNotFound returns true if the method is not supported by the peer.
func (e *RPCError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled returns true if the request was cancelled.
func (e *RPCError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}

// IsServerNotInitialized returns true if the server is not initialized.
func (e *RPCError) IsServerNotInitialized() bool {
	return e.Code == CodeServerNotInitialized
}

// ProtocolError reports a frame or body that could not be decoded.
type ProtocolError struct {
	// Reason describes what was wrong with the frame.
	Reason string

	// Body holds a prefix of the offending payload, if any.
	Body string

	// Err is the underlying decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := "lsp protocol error: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += fmt.Sprintf(" (body: %q)", e.Body)
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrProtocol).
func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}
	return []error{ErrProtocol}
}

// TerminatedError reports that the language server exited while a request
// was outstanding, or that its pipes were closed under us.
type TerminatedError struct {
	// Method is the request that was waiting, if any.
	Method string

	// Stderr is the tail of the server's stderr output.
	Stderr string

	// Err is the underlying cause (pipe error, exit status).
	Err error
}

// Error implements the error interface.
func (e *TerminatedError) Error() string {
	msg := "lsp server terminated"
	if e.Method != "" {
		msg += " while waiting for " + e.Method
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\nstderr:\n" + e.Stderr
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrTerminated).
func (e *TerminatedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTerminated, e.Err}
	}
	return []error{ErrTerminated}
}

// TimeoutError reports a request whose deadline elapsed.
type TimeoutError struct {
	// Method is the request method.
	Method string

	// ID is the request id that was abandoned.
	ID int64

	// Timeout is the bound that elapsed. Zero when the caller's context expired
	// without a known bound.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("lsp request %s (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
	}
	return fmt.Sprintf("lsp request %s (id %d) timed out", e.Method, e.ID)
}

// Unwrap allows errors.Is(err, ErrTimeout).
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
