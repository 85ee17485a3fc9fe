package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ───────────────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total synthesis tasks accepted, labelled by task type.",
	}, []string{"task_type"})

	APIValidationRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "api",
		Name:      "validation_rejected_total",
		Help:      "Submissions rejected before a task row was created.",
	}, []string{"task_type"})

	APIOnlineDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indextts",
		Subsystem: "api",
		Name:      "online_synthesis_duration_seconds",
		Help:      "Wall time of synchronous online synthesis requests.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// ─── Worker ────────────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total long-text tasks driven to a terminal state.",
	}, []string{"status"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indextts",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being synthesized by this worker.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indextts",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "End-to-end synthesis time per claimed task.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	WorkerClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "worker",
		Name:      "claim_conflicts_total",
		Help:      "Claim attempts lost to another worker.",
	})

	// ─── Callback dispatcher ───────────────────────────────────────────────────────────

	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "callback",
		Name:      "deliveries_total",
		Help:      "Callback delivery outcomes.",
	}, []string{"outcome"})

	CallbackRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "callback",
		Name:      "retries_total",
		Help:      "Callback delivery retry attempts.",
	})

	// ─── Watchdog ──────────────────────────────────────────────────────────────────────

	WatchdogReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "watchdog",
		Name:      "reclaimed_total",
		Help:      "Stale processing tasks returned to pending.",
	})

	WatchdogPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indextts",
		Subsystem: "watchdog",
		Name:      "purged_total",
		Help:      "Terminal tasks removed by retention cleanup.",
	})
)
