// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler serializes every operation that touches a project's
// language servers.
//
// Tasks run one at a time in submission order on a single worker. Each
// issued task returns a Handle; waiting on it with ResultWithin bounds the
// caller's wait without cancelling the task.
//
//	h := scheduler.Issue(s, "find_symbol", func(ctx context.Context) ([]symbol.Ref, error) {
//	    return retriever.Find(ctx, pattern, file, opts)
//	})
//	refs, err := h.ResultWithin(240 * time.Second)
package scheduler
