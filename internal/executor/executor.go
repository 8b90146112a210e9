// Package executor runs isolated agent turns.
//
// A turn is one prompt sent to a worker under a session key. Turns with the
// same key are serialized; turns with different keys may overlap. Every
// engine in overseer reaches the model only through TurnExecutor.
package executor

import (
	"context"
	"time"
)

// Status is the outcome class of a turn.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// TurnRequest is one isolated turn.
type TurnRequest struct {
	SessionKey string
	Prompt     string
	AgentID    string
}

// TurnResult is what came back from a turn. Error is set when Status is
// StatusError. Tokens is the provider-reported total for the turn.
type TurnResult struct {
	Status   Status
	Summary  string
	Output   string
	Error    string
	Tokens   int64
	Duration time.Duration
}

// OK reports whether the turn succeeded.
func (r TurnResult) OK() bool {
	return r.Status == StatusOK
}

// TurnExecutor runs isolated turns. Implementations never return a Go
// error: failures are reported as StatusError results so callers can count
// them against the execution's error budget.
type TurnExecutor interface {
	RunIsolatedTurn(ctx context.Context, req TurnRequest) TurnResult
}

// Func adapts a function to TurnExecutor.
type Func func(ctx context.Context, req TurnRequest) TurnResult

// RunIsolatedTurn calls f.
func (f Func) RunIsolatedTurn(ctx context.Context, req TurnRequest) TurnResult {
	return f(ctx, req)
}

// Errorf builds an error result.
func Errorf(err error) TurnResult {
	return TurnResult{Status: StatusError, Error: err.Error()}
}
