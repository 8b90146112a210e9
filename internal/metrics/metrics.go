// Package metrics provides Prometheus metrics for executions, turns and
// governor decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "overseer"

var (
	// TurnsTotal counts isolated agent turns.
	// Labels: role (goal, goal_eval, plan_decompose, plan_worker, plan_replan, plan_eval), status (ok, error, skipped)
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "turns_total",
			Help:      "Total number of isolated agent turns by role and outcome",
		},
		[]string{"role", "status"},
	)

	// TurnDuration tracks how long turns take.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "turn_duration_seconds",
			Help:      "Duration of isolated agent turns in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"role"},
	)

	// TurnTokens counts tokens reported by turns.
	TurnTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tokens_total",
			Help:      "Total tokens reported by isolated agent turns",
		},
		[]string{"role"},
	)

	// ActiveExecutions is the number of engine loops currently running.
	// Labels: kind (goal, plan)
	ActiveExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "active_executions",
			Help:      "Number of goal and plan loops currently running",
		},
		[]string{"kind"},
	)

	// ExecutionsFinished counts executions that reached a non-running status.
	// Labels: kind (goal, plan), status, stop_kind
	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "executions_finished_total",
			Help:      "Total number of executions that left the running states",
		},
		[]string{"kind", "status", "stop_kind"},
	)

	// GovernorDecisions counts governor checks.
	// Labels: kind (goal, plan), verdict (allowed, warning, blocked)
	GovernorDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "decisions_total",
			Help:      "Total number of governor checks by verdict",
		},
		[]string{"kind", "verdict"},
	)

	// EvaluationScore is the most recent evaluator score per execution kind.
	EvaluationScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "score",
			Help:      "Distribution of evaluator scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"kind"},
	)

	// EvaluationFallbacks counts verdicts that could not be parsed.
	EvaluationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "fallbacks_total",
			Help:      "Total number of evaluator outputs that failed to parse",
		},
	)

	// TasksTotal counts plan task outcomes.
	// Labels: outcome (completed, retried, failed, skipped)
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "tasks_total",
			Help:      "Total number of plan task outcomes",
		},
		[]string{"outcome"},
	)

	// Replans counts accepted plan revisions.
	Replans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "replans_total",
			Help:      "Total number of accepted plan revisions",
		},
	)

	// NotificationsTotal counts notification deliveries.
	// Labels: channel, result (success, error, dropped)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total number of notification delivery attempts",
		},
		[]string{"channel", "result"},
	)
)

// RecordTurn records the outcome of one turn.
func RecordTurn(role, status string, d time.Duration, tokens int64) {
	TurnsTotal.WithLabelValues(role, status).Inc()
	TurnDuration.WithLabelValues(role).Observe(d.Seconds())
	if tokens > 0 {
		TurnTokens.WithLabelValues(role).Add(float64(tokens))
	}
}

// RecordFinished records an execution leaving the running states.
func RecordFinished(kind, status, stopKind string) {
	if stopKind == "" {
		stopKind = "none"
	}
	ExecutionsFinished.WithLabelValues(kind, status, stopKind).Inc()
}

// RecordDecision records one governor verdict.
func RecordDecision(kind, verdict string) {
	GovernorDecisions.WithLabelValues(kind, verdict).Inc()
}

// RecordNotification records a delivery attempt.
func RecordNotification(channel, result string) {
	if channel == "" {
		channel = "default"
	}
	NotificationsTotal.WithLabelValues(channel, result).Inc()
}
