// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcomes used as the "outcome" label.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomePanic   = "panic"
	outcomeStopped = "stopped"
)

// =============================================================================
// Prometheus Metrics for the Task Scheduler
// =============================================================================

// Metrics holds the scheduler's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// QueueDepth is the number of tasks waiting to run.
	QueueDepth prometheus.Gauge

	// TaskDuration measures run time from dequeue to completion.
	// Labels: outcome (ok, error, panic)
	TaskDuration *prometheus.HistogramVec

	// TaskWait measures the time a task spent queued.
	TaskWait prometheus.Histogram

	// TasksTotal counts finished tasks.
	// Labels: outcome (ok, error, panic, stopped)
	TasksTotal *prometheus.CounterVec

	// HandleTimeouts counts handles rejected by ResultWithin.
	HandleTimeouts prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
//
// Inputs:
//
//	reg - Registerer for the collectors. Nil disables metrics.
//
// Outputs:
//
//	*Metrics - The collectors, or nil when reg is nil.
//
// Limitations:
//
//	Panics on duplicate registration, like promauto.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "smartedit",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting to run",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smartedit",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Task run time in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		TaskWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smartedit",
			Subsystem: "scheduler",
			Name:      "task_wait_seconds",
			Help:      "Time a task spent queued in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartedit",
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Finished tasks by outcome",
		}, []string{"outcome"}),
		HandleTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smartedit",
			Subsystem: "scheduler",
			Name:      "handle_timeouts_total",
			Help:      "Handles rejected because the caller's bound elapsed",
		}),
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) recordWait(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskWait.Observe(d.Seconds())
}

func (m *Metrics) recordTask(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
	if outcome != outcomeStopped {
		m.TaskDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) recordHandleTimeout() {
	if m == nil {
		return
	}
	m.HandleTimeouts.Inc()
}
