// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp runs language servers as child processes and talks to them
// over framed JSON-RPC.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│ Manager: one Server per language, lazy spawn, idle shutdown      │
//	│   └─ Server: initialize handshake, default handlers, didOpen     │
//	│        └─ Transport: pump goroutine, single in-flight request    │
//	│             └─ process: exec.Cmd, stderr tail, SIGTERM/SIGKILL   │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Components
//
//   - Decoder / EncodeFrame: Content-Length framing
//   - Transport: request/response correlation and server-to-client dispatch
//   - Registry: language id to {command resolver, capabilities, readiness}
//   - Server: LSP lifecycle on top of a Transport
//   - Manager: per-project pool of servers
//
// # Single In-Flight Requests
//
// A Transport has at most one outstanding client request. A response whose
// id does not match the awaited one is dropped, including the late answer
// to a request that timed out. Callers that need a clean process after a
// timeout use Manager.Restart.
//
// # Example
//
//	mgr := lsp.NewManager("/path/to/project", nil, lsp.DefaultManagerConfig(), logger)
//	defer mgr.ShutdownAll(context.Background())
//
//	srv, err := mgr.ForFile(ctx, "pkg/foo.go")
//	raw, err := srv.Request(ctx, lsp.MethodDocumentSymbol, params)
package lsp
