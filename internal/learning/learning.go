// Package learning keeps a memory of finished executions so new goals can
// start from prior experience.
//
// Lookups and records are best-effort: engines log and ignore their errors.
package learning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/store"
)

// Outcome is what is remembered about a finished execution.
type Outcome struct {
	Kind           store.Kind
	ExecutionID    string
	Objective      string
	Status         string
	StopKind       store.StopKind
	Score          int
	CriteriaMet    []string
	CriteriaMissed []string
	Assessment     string
	At             time.Time
}

// Store records outcomes and summarizes the ones relevant to an objective.
type Store interface {
	// Lookup returns a prompt-ready summary of similar past outcomes, or
	// "" when there are none.
	Lookup(ctx context.Context, objective string) (string, error)
	Record(ctx context.Context, o Outcome) error
}

// Nop remembers nothing.
type Nop struct{}

// Lookup implements Store.
func (Nop) Lookup(context.Context, string) (string, error) { return "", nil }

// Record implements Store.
func (Nop) Record(context.Context, Outcome) error { return nil }

// FromGoal builds the outcome of a finished goal.
func FromGoal(g *store.Goal) Outcome {
	o := Outcome{
		Kind:        store.KindGoal,
		ExecutionID: g.ID,
		Objective:   g.Objective,
		Status:      string(g.Status),
		StopKind:    g.StopKind,
		At:          g.UpdatedAt,
	}
	if g.LastEvaluation != nil {
		o.Score = g.LastEvaluation.Score
		o.Assessment = g.LastEvaluation.Assessment
		for _, c := range g.LastEvaluation.Criteria {
			if c.Met {
				o.CriteriaMet = append(o.CriteriaMet, c.Criterion)
			} else {
				o.CriteriaMissed = append(o.CriteriaMissed, c.Criterion)
			}
		}
	} else {
		o.CriteriaMissed = append(o.CriteriaMissed, g.Criteria...)
	}
	if o.Assessment == "" {
		o.Assessment = g.StopReason
	}
	return o
}

// FromPlan builds the outcome of a finished plan.
func FromPlan(p *store.Plan) Outcome {
	o := Outcome{
		Kind:        store.KindPlan,
		ExecutionID: p.ID,
		Objective:   p.Objective,
		Status:      string(p.Status),
		StopKind:    p.StopKind,
		Assessment:  p.StopReason,
		At:          p.UpdatedAt,
	}
	if ev := p.FinalEvaluation; ev != nil {
		o.Score = ev.Score
		if ev.Assessment != "" {
			o.Assessment = ev.Assessment
		}
		for _, c := range ev.Criteria {
			if c.Met {
				o.CriteriaMet = append(o.CriteriaMet, c.Criterion)
			} else {
				o.CriteriaMissed = append(o.CriteriaMissed, c.Criterion)
			}
		}
		return o
	}
	o.CriteriaMissed = append(o.CriteriaMissed, p.Criteria...)
	return o
}

// describe renders an outcome as the text that is embedded and later shown.
func describe(o Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", o.Objective)
	fmt.Fprintf(&b, "Result: %s (score %d)", o.Status, o.Score)
	if o.StopKind != store.StopNone {
		fmt.Fprintf(&b, ", stopped by %s", o.StopKind)
	}
	b.WriteString("\n")
	if len(o.CriteriaMet) > 0 {
		fmt.Fprintf(&b, "Met: %s\n", strings.Join(o.CriteriaMet, "; "))
	}
	if len(o.CriteriaMissed) > 0 {
		fmt.Fprintf(&b, "Missed: %s\n", strings.Join(o.CriteriaMissed, "; "))
	}
	if o.Assessment != "" {
		fmt.Fprintf(&b, "Notes: %s\n", o.Assessment)
	}
	return b.String()
}
