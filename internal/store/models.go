package store

import (
	"time"

	"github.com/fyrsmithlabs/overseer/internal/config"
)

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalPending        GoalStatus = "pending"
	GoalRunning        GoalStatus = "running"
	GoalEvaluating     GoalStatus = "evaluating"
	GoalPaused         GoalStatus = "paused"
	GoalCompleted      GoalStatus = "completed"
	GoalBudgetExceeded GoalStatus = "budget_exceeded"
	GoalStopped        GoalStatus = "stopped"
	GoalFailed         GoalStatus = "failed"
)

// Terminal reports whether the record is frozen.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// Active reports whether an engine loop should own the goal.
func (s GoalStatus) Active() bool {
	return s == GoalRunning || s == GoalEvaluating
}

// Resumable reports whether an operator may reset the goal to pending.
func (s GoalStatus) Resumable() bool {
	return s == GoalStopped || s == GoalBudgetExceeded
}

var goalTransitions = map[GoalStatus][]GoalStatus{
	GoalPending:        {GoalRunning, GoalStopped, GoalFailed},
	GoalRunning:        {GoalEvaluating, GoalPaused, GoalBudgetExceeded, GoalStopped, GoalFailed},
	GoalEvaluating:     {GoalRunning, GoalCompleted, GoalBudgetExceeded, GoalStopped, GoalFailed},
	GoalPaused:         {GoalRunning, GoalStopped, GoalFailed},
	GoalBudgetExceeded: {GoalPending},
	GoalStopped:        {GoalPending},
}

// CanTransition reports whether from -> to is an edge of the goal state machine.
// Staying in the same state is always allowed.
func (s GoalStatus) CanTransition(to GoalStatus) bool {
	if s == to {
		return true
	}
	for _, next := range goalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanPlanning   PlanStatus = "planning"
	PlanExecuting  PlanStatus = "executing"
	PlanReplanning PlanStatus = "replanning"
	PlanEvaluating PlanStatus = "evaluating"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanStopped    PlanStatus = "stopped"
)

// Terminal reports whether the record is frozen.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// Active reports whether a scheduler loop should own the plan.
func (s PlanStatus) Active() bool {
	switch s {
	case PlanPlanning, PlanExecuting, PlanReplanning, PlanEvaluating:
		return true
	}
	return false
}

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanPlanning:   {PlanExecuting, PlanFailed, PlanStopped},
	PlanExecuting:  {PlanReplanning, PlanEvaluating, PlanFailed, PlanStopped},
	PlanReplanning: {PlanExecuting, PlanFailed, PlanStopped},
	PlanEvaluating: {PlanCompleted, PlanFailed, PlanStopped},
	PlanStopped:    {PlanPlanning, PlanExecuting},
}

// CanTransition reports whether from -> to is an edge of the plan state machine.
func (s PlanStatus) CanTransition(to PlanStatus) bool {
	if s == to {
		return true
	}
	for _, next := range planTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the state of one task in a plan DAG.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// StopKind tags why an execution left the running states. Control flow
// switches on the kind, never on StopReason text.
type StopKind string

const (
	StopNone StopKind = ""

	// Budget kinds.
	StopIterations    StopKind = "iterations"
	StopTokens        StopKind = "tokens"
	StopDuration      StopKind = "duration"
	StopProviderUsage StopKind = "provider_usage"
	StopTurns         StopKind = "turns"

	// Governance kinds that are not budgets.
	StopConsecutiveErrors StopKind = "consecutive_errors"
	StopStall             StopKind = "stall"

	StopEvaluator     StopKind = "evaluator"
	StopRejected      StopKind = "rejected"
	StopOperator      StopKind = "operator"
	StopDecomposition StopKind = "decomposition"
	StopReplanning    StopKind = "replanning"
	StopEvaluation    StopKind = "evaluation"
	StopError         StopKind = "error"
	StopCompleted     StopKind = "completed"
)

// IsBudget reports whether the kind is a resource budget, which maps to
// budget_exceeded for goals and failed for plans.
func (k StopKind) IsBudget() bool {
	switch k {
	case StopIterations, StopTokens, StopDuration, StopProviderUsage, StopTurns:
		return true
	}
	return false
}

// GateAction is what happens when a quality gate times out.
type GateAction string

const (
	GateApprove GateAction = "approve"
	GateReject  GateAction = "reject"
)

// NotifyTarget routes notifications for one execution.
type NotifyTarget struct {
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// GoalBudget holds the resource ceilings for a goal.
type GoalBudget struct {
	MaxIterations           int             `json:"max_iterations"`
	MaxTokens               int64           `json:"max_tokens"`
	MaxDuration             config.Duration `json:"max_duration"`
	MaxProviderUsagePercent float64         `json:"max_provider_usage_percent"`
}

// EvalConfig controls when and how progress is evaluated.
type EvalConfig struct {
	EvalEvery            int    `json:"eval_every"`
	EvaluatorModel       string `json:"evaluator_model,omitempty"`
	StallWindow          int    `json:"stall_window"`
	MinProgressDelta     int    `json:"min_progress_delta"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors"`
}

// QualityGates lists iterations that require human approval before they run.
type QualityGates struct {
	Iterations    []int           `json:"iterations,omitempty"`
	Timeout       config.Duration `json:"timeout"`
	TimeoutAction GateAction      `json:"timeout_action"`
}

// IsGate reports whether iteration requires approval.
func (q QualityGates) IsGate(iteration int) bool {
	for _, it := range q.Iterations {
		if it == iteration {
			return true
		}
	}
	return false
}

// GoalUsage counts consumed resources.
type GoalUsage struct {
	Iterations        int       `json:"iterations"`
	Tokens            int64     `json:"tokens"`
	Errors            int       `json:"errors"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	StartedAt         time.Time `json:"started_at"`
}

// CriterionStatus is the evaluator's judgement on one acceptance criterion.
type CriterionStatus struct {
	Criterion string `json:"criterion"`
	Met       bool   `json:"met"`
	Notes     string `json:"notes,omitempty"`
}

// Evaluation is a decoded evaluator verdict.
type Evaluation struct {
	Iteration           int               `json:"iteration,omitempty"`
	Score               int               `json:"score"`
	Assessment          string            `json:"assessment"`
	Criteria            []CriterionStatus `json:"criteria"`
	ShouldContinue      bool              `json:"should_continue"`
	SuggestedNextAction string            `json:"suggested_next_action,omitempty"`
	Fallback            bool              `json:"fallback,omitempty"`
	EvaluatedAt         time.Time         `json:"evaluated_at"`
}

// UnmetCriteria returns the criteria the verdict marks unmet.
func (e *Evaluation) UnmetCriteria() []string {
	var out []string
	for _, c := range e.Criteria {
		if !c.Met {
			out = append(out, c.Criterion)
		}
	}
	return out
}

// PendingApproval is set while a goal waits at a quality gate.
type PendingApproval struct {
	Iteration     int        `json:"iteration"`
	RequestedAt   time.Time  `json:"requested_at"`
	TimeoutAction GateAction `json:"timeout_action"`
}

// Goal is a single-focus iterative execution.
type Goal struct {
	ID                  string           `json:"id"`
	Objective           string           `json:"objective"`
	Criteria            []string         `json:"criteria"`
	Status              GoalStatus       `json:"status"`
	Budget              GoalBudget       `json:"budget"`
	EvalConfig          EvalConfig       `json:"eval_config"`
	QualityGates        QualityGates     `json:"quality_gates"`
	Usage               GoalUsage        `json:"usage"`
	LastEvaluation      *Evaluation      `json:"last_evaluation,omitempty"`
	EvaluationScores    []int            `json:"evaluation_scores,omitempty"`
	LastSuggestedAction string           `json:"last_suggested_action,omitempty"`
	StopReason          string           `json:"stop_reason,omitempty"`
	StopKind            StopKind         `json:"stop_kind,omitempty"`
	PendingApproval     *PendingApproval `json:"pending_approval,omitempty"`
	ApprovedGates       []int            `json:"approved_gates,omitempty"`
	AgentID             string           `json:"agent_id,omitempty"`
	Notify              *NotifyTarget    `json:"notify,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// GateApproved reports whether the gate at iteration was already approved.
func (g *Goal) GateApproved(iteration int) bool {
	for _, it := range g.ApprovedGates {
		if it == iteration {
			return true
		}
	}
	return false
}

// Task is one node of a plan DAG.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status"`
	Retries     int        `json:"retries"`
	Result      string     `json:"result,omitempty"`
	Tokens      int64      `json:"tokens,omitempty"`
	Error       string     `json:"error,omitempty"`
	Revision    int        `json:"revision"`
}

// PlanBudget holds the resource ceilings for a plan.
type PlanBudget struct {
	MaxTurns                int             `json:"max_turns"`
	MaxTokens               int64           `json:"max_tokens"`
	MaxDuration             config.Duration `json:"max_duration"`
	MaxProviderUsagePercent float64         `json:"max_provider_usage_percent"`
	MaxConcurrency          int             `json:"max_concurrency"`
	MaxRetries              int             `json:"max_retries"`
	ReplanThreshold         float64         `json:"replan_threshold"`
	MaxReplans              int             `json:"max_replans"`
}

// PlanUsage counts consumed resources. Turns are shared by decomposition,
// workers, replanning and the final evaluation.
type PlanUsage struct {
	Turns     int       `json:"turns"`
	Tokens    int64     `json:"tokens"`
	Replans   int       `json:"replans"`
	StartedAt time.Time `json:"started_at"`
}

// TaskFailure is handed to the replanner.
type TaskFailure struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Plan is a decomposition execution over a task DAG.
type Plan struct {
	ID              string        `json:"id"`
	Objective       string        `json:"objective"`
	Criteria        []string      `json:"criteria"`
	Status          PlanStatus    `json:"status"`
	Tasks           []Task        `json:"tasks,omitempty"`
	Budget          PlanBudget    `json:"budget"`
	PlanRevision    int           `json:"plan_revision"`
	Usage           PlanUsage     `json:"usage"`
	FinalEvaluation *Evaluation   `json:"final_evaluation,omitempty"`
	StopReason      string        `json:"stop_reason,omitempty"`
	StopKind        StopKind      `json:"stop_kind,omitempty"`
	LastFailures    []TaskFailure `json:"last_failures,omitempty"`
	AgentID         string        `json:"agent_id,omitempty"`
	Notify          *NotifyTarget `json:"notify,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Task returns a pointer to the task with id, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// CountTasks returns how many tasks are in status.
func (p *Plan) CountTasks(status TaskStatus) int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}
