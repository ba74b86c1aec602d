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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// headerTerminator separates the header block from the body.
var headerTerminator = []byte("\r\n\r\n")

// maxBodyPreview bounds how much of a bad body is copied into a ProtocolError.
const maxBodyPreview = 256

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents an outgoing JSON-RPC request.
type Request struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID is the request identifier.
	ID int64 `json:"id"`

	// Method is the method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params interface{} `json:"params,omitempty"`
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// Method is the method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params interface{} `json:"params,omitempty"`
}

// Response represents an outgoing JSON-RPC response to a server request.
//
// Result is always emitted (as null when empty) unless Error is set, as
// JSON-RPC requires exactly one of the two.
type Response struct {
	JSONRPC string
	ID      json.RawMessage
	Result  json.RawMessage
	Error   *ResponseError
}

// MarshalJSON emits either "result" or "error", never both.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *ResponseError  `json:"error"`
		}{r.JSONRPC, id, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{r.JSONRPC, id, result})
}

// ResponseError represents a JSON-RPC error object.
type ResponseError struct {
	// Code is the error code.
	Code int `json:"code"`

	// Message is a short description of the error.
	Message string `json:"message"`

	// Data contains additional error information.
	Data interface{} `json:"data,omitempty"`
}

// MessageKind classifies an inbound message.
type MessageKind int

const (
	// KindInvalid is a message that is neither request, notification nor response.
	KindInvalid MessageKind = iota

	// KindRequest is a server-to-client call that expects a response.
	KindRequest

	// KindNotification is a server-to-client call without an id.
	KindNotification

	// KindResponse answers a client request.
	KindResponse
)

// String returns a human-readable kind name.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is the decoded form of any inbound JSON-RPC envelope.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// hasID reports whether the message carries a non-null id.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(bytes.TrimSpace(m.ID), []byte("null"))
}

// Kind classifies the message.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.hasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.hasID():
		return KindResponse
	default:
		return KindInvalid
	}
}

// IntID returns the numeric form of the id. Numeric strings are accepted
// because some servers echo ids as strings.
func (m *Message) IntID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		v, err := n.Int64()
		return v, err == nil
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	}
	return 0, false
}

// ParseMessage decodes a frame body into a Message.
func ParseMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON-RPC envelope", Body: preview(body), Err: err}
	}
	if msg.Kind() == KindInvalid {
		return nil, &ProtocolError{Reason: "message has neither method nor id", Body: preview(body)}
	}
	return &msg, nil
}

// =============================================================================
// FRAMING
// =============================================================================

// EncodeFrame marshals v and prefixes it with its Content-Length header.
//
// No other header lines are emitted.
func EncodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	frame := make([]byte, 0, len(data)+32)
	frame = fmt.Appendf(frame, "Content-Length: %d\r\n\r\n", len(data))
	frame = append(frame, data...)
	return frame, nil
}

// Decoder turns a byte stream into JSON frame bodies.
//
// Description:
//
//	Maintains a growing buffer of unread bytes. Each call to Next scans for
//	the header terminator, reads Content-Length (case-insensitive) and
//	returns the body once it is fully buffered. Header blocks without a
//	usable Content-Length are dropped so stray output on stdout does not
//	wedge the stream.
//
// Thread Safety:
//
//	Not safe for concurrent use. Owned by a single reader goroutine.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame body.
//
// Outputs:
//
//	json.RawMessage - The body, valid JSON, when ok is true
//	bool - False if more bytes are needed
//	error - *ProtocolError if a complete body is not valid JSON. The frame
//	        is consumed either way, so the stream stays in sync.
func (d *Decoder) Next() (json.RawMessage, bool, error) {
	for {
		idx := bytes.Index(d.buf, headerTerminator)
		if idx < 0 {
			return nil, false, nil
		}

		length, ok := parseContentLength(d.buf[:idx])
		if !ok {
			d.consume(idx + len(headerTerminator))
			continue
		}

		start := idx + len(headerTerminator)
		if len(d.buf)-start < length {
			return nil, false, nil
		}

		body := make([]byte, length)
		copy(body, d.buf[start:start+length])
		d.consume(start + length)

		if !json.Valid(body) {
			return nil, true, &ProtocolError{Reason: "frame body is not valid JSON", Body: preview(body)}
		}
		return body, true, nil
	}
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// parseContentLength finds a Content-Length header in a header block.
// Lines are split on '\n' with any trailing '\r' removed, so junk printed
// before the header does not hide it.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func preview(body []byte) string {
	if len(body) > maxBodyPreview {
		return string(body[:maxBodyPreview]) + "..."
	}
	return string(body)
}
