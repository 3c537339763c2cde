// Package metrics provides Prometheus metrics for the specfold engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsAppliedTotal counts successfully applied commands by aggregate type.
	CommandsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_commands_applied_total",
		Help: "Total number of successfully applied commands, by aggregate type.",
	}, []string{"aggregate_type"})

	// CommandsRejectedTotal counts domain rejections by aggregate type.
	CommandsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_commands_rejected_total",
		Help: "Total number of commands rejected by domain invariants, by aggregate type.",
	}, []string{"aggregate_type"})

	// ConcurrencyConflictsTotal counts optimistic concurrency conflicts.
	ConcurrencyConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_concurrency_conflicts_total",
		Help: "Total number of expected-version mismatches returned to callers.",
	}, []string{"aggregate_type"})

	// ValidationRunsTotal counts validation runs by terminal state.
	ValidationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_validation_runs_total",
		Help: "Total number of validation runs, by terminal state.",
	}, []string{"state"})

	// ValidationProblemsTotal counts validation problems by stage and severity.
	ValidationProblemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_validation_problems_total",
		Help: "Total number of validation problems collected, by stage and severity.",
	}, []string{"stage", "severity"})

	// SolverDecisionsTotal counts constraint solver outcomes.
	SolverDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_solver_decisions_total",
		Help: "Total number of solver checks, by decision (satisfiable/unsatisfiable/unknown).",
	}, []string{"decision"})

	// SagaExecutionsTotal counts saga executions by terminal state.
	SagaExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_saga_executions_total",
		Help: "Total number of saga executions, by terminal state.",
	}, []string{"state"})

	// SagaCompensationsTotal counts compensation attempts by result.
	SagaCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specfold_saga_compensations_total",
		Help: "Total number of compensation attempts, by result (ok/failed/skipped).",
	}, []string{"result"})

	// StageDurationSeconds observes wall-clock duration per pipeline stage.
	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "specfold_stage_duration_seconds",
		Help:    "Validation pipeline stage execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
