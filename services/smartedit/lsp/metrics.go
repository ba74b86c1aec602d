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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "smartedit.lsp"

// meter is resolved once; instruments created from the global meter follow
// a provider installed later.
var meter = otel.Meter(instrumentationName)

// Request outcomes recorded on metrics.
const (
	outcomeOK         = "ok"
	outcomeRPCError   = "rpc_error"
	outcomeTimeout    = "timeout"
	outcomeTerminated = "terminated"
	outcomeFailed     = "failed"
)

var (
	requestLatency  metric.Float64Histogram
	requestTotal    metric.Int64Counter
	serverSpawns    metric.Int64Counter
	droppedMessages metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"smartedit_lsp_request_duration_seconds",
			metric.WithDescription("Duration of LSP requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"smartedit_lsp_request_total",
			metric.WithDescription("Total number of LSP requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		serverSpawns, err = meter.Int64Counter(
			"smartedit_lsp_server_spawns_total",
			metric.WithDescription("Total number of LSP server spawns"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		droppedMessages, err = meter.Int64Counter(
			"smartedit_lsp_dropped_messages_total",
			metric.WithDescription("Inbound messages dropped without a consumer"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRequestSpan creates a span for one client request.
func startRequestSpan(ctx context.Context, server, method string, id int64) (context.Context, trace.Span) {
	// The tracer is looked up per request so a provider installed after
	// package init is honoured.
	tracer := otel.GetTracerProvider().Tracer(instrumentationName)
	return tracer.Start(ctx, "lsp.request",
		trace.WithAttributes(
			attribute.String("lsp.server", server),
			attribute.String("lsp.method", method),
			attribute.Int64("lsp.id", id),
		),
	)
}

// endRequestSpan records the outcome on the span and ends it.
func endRequestSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("lsp.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// recordRequestMetrics records latency and outcome for one request.
func recordRequestMetrics(ctx context.Context, server, method, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

// recordServerSpawn records a server spawn attempt.
func recordServerSpawn(ctx context.Context, language string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	))
}

// recordDropped counts an inbound message nobody consumed.
func recordDropped(server, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	droppedMessages.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("kind", kind),
	))
}
