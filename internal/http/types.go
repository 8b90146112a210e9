package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/overseer/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// GoalList is the response body for GET /api/v1/goals.
type GoalList struct {
	Goals []*store.Goal `json:"goals"`
}

// PlanList is the response body for GET /api/v1/plans.
type PlanList struct {
	Plans []*store.Plan `json:"plans"`
}

// ResumeGoalRequest is the optional body of POST /api/v1/goals/:id/resume.
// Non-zero limits replace the goal's current ones.
type ResumeGoalRequest struct {
	Budget store.GoalBudget `json:"budget"`
}

// ResumePlanRequest is the optional body of POST /api/v1/plans/:id/resume.
type ResumePlanRequest struct {
	Budget store.PlanBudget `json:"budget"`
}

// LogResponse carries raw JSONL entries, oldest first.
type LogResponse struct {
	Entries []json.RawMessage `json:"entries"`
}

// ErrorResponse mirrors echo's HTTPError body.
type ErrorResponse struct {
	Message string `json:"message"`
}
