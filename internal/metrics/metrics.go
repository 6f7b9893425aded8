// Package metrics provides Prometheus metrics for execution monitoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts executions by final status.
	// Labels: status (completed, failed, cancelled)
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Total number of executions by final status",
		},
		[]string{"status"},
	)

	// ExecutionDuration tracks wall-clock time per execution.
	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zorix",
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Duration of executions from start to terminal status in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// IterationsTotal counts reason-act loop iterations.
	IterationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "orchestrator",
			Name:      "iterations_total",
			Help:      "Total number of reason-act loop iterations across all executions",
		},
	)

	// PlansTotal counts planner round trips.
	// Labels: kind (initial, refined, fallback)
	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "orchestrator",
			Name:      "plans_total",
			Help:      "Total number of plans requested from the planner",
		},
		[]string{"kind"},
	)

	// StepsTotal counts executed steps by outcome.
	// Labels: kind (tool, reasoning, validation), result (success, failure)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Total number of step executions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// StepRetriesTotal counts retry attempts.
	StepRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "executor",
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts",
		},
	)

	// StepDuration tracks per-step execution time.
	// Labels: kind (tool, reasoning, validation)
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zorix",
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual step executions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RollbackPointsTotal counts captured rollback points.
	RollbackPointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "executor",
			Name:      "rollback_points_total",
			Help:      "Total number of rollback points captured",
		},
	)

	// RollbacksTotal counts applied rollbacks.
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "executor",
			Name:      "rollbacks_total",
			Help:      "Total number of rollback operations applied",
		},
	)

	// ApprovalsTotal counts approval gate outcomes.
	// Labels: outcome (granted, denied, timeout)
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "risk",
			Name:      "approvals_total",
			Help:      "Total number of approval requests by outcome",
		},
		[]string{"outcome"},
	)

	// EventsDroppedTotal counts events dropped for slow subscribers.
	// Labels: subscriber
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped because a subscriber's buffer was full",
		},
		[]string{"subscriber"},
	)

	// SecretFindingsTotal counts secrets redacted from capability output.
	SecretFindingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zorix",
			Subsystem: "secrets",
			Name:      "findings_total",
			Help:      "Total number of secret findings redacted from captured output",
		},
	)
)
