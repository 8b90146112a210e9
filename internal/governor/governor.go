// Package governor decides whether an execution may take its next unit of
// work given its resource counters and limits.
//
// EvaluateGoal and EvaluatePlan are pure. Governor wraps them with a usage
// summary source whose failures are swallowed: a missing or broken summary
// means "no provider data", never a block.
package governor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/fyrsmithlabs/overseer/internal/usage"
	"go.uber.org/zap"
)

// WarnFraction is the consumed fraction of a budget at which a warning fires.
const WarnFraction = 0.8

// Verdict is the outcome class of a check.
type Verdict int

const (
	Allowed Verdict = iota
	Warning
	Blocked
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Warning:
		return "warning"
	case Blocked:
		return "blocked"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision is the result of a governor check. Kind is set only when Blocked.
type Decision struct {
	Verdict  Verdict
	Kind     store.StopKind
	Reason   string
	Warnings []string
}

// Blocked reports whether the execution must stop.
func (d Decision) Blocked() bool {
	return d.Verdict == Blocked
}

type check struct {
	decision Decision
	warning  string
}

// ratio checks used against limit. A non-positive limit disables the check.
func ratio(kind store.StopKind, label string, used, limit float64) check {
	if limit <= 0 {
		return check{}
	}
	if used >= limit {
		return check{decision: Decision{
			Verdict: Blocked,
			Kind:    kind,
			Reason:  fmt.Sprintf("%s budget exhausted (%s of %s)", label, trim(used), trim(limit)),
		}}
	}
	if used/limit >= WarnFraction {
		return check{warning: fmt.Sprintf("%s at %.0f%% of budget (%s of %s)", label, 100*used/limit, trim(used), trim(limit))}
	}
	return check{}
}

func trim(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.1f", f)
}

// run applies checks in order. The first block wins; warnings collected
// before it are kept.
func run(checks ...func() check) Decision {
	var warnings []string
	for _, c := range checks {
		res := c()
		if res.decision.Blocked() {
			res.decision.Warnings = warnings
			return res.decision
		}
		if res.warning != "" {
			warnings = append(warnings, res.warning)
		}
	}
	if len(warnings) > 0 {
		return Decision{Verdict: Warning, Warnings: warnings}
	}
	return Decision{Verdict: Allowed}
}

func elapsed(startedAt, now time.Time) time.Duration {
	if startedAt.IsZero() {
		return 0
	}
	return now.Sub(startedAt)
}

func durationCheck(startedAt, now time.Time, limit time.Duration) func() check {
	return func() check {
		if limit <= 0 {
			return check{}
		}
		used := elapsed(startedAt, now)
		if used >= limit {
			return check{decision: Decision{
				Verdict: Blocked,
				Kind:    store.StopDuration,
				Reason:  fmt.Sprintf("duration budget exhausted (%s of %s)", used.Round(time.Second), limit),
			}}
		}
		if float64(used)/float64(limit) >= WarnFraction {
			return check{warning: fmt.Sprintf("duration at %.0f%% of budget", 100*float64(used)/float64(limit))}
		}
		return check{}
	}
}

func providerCheck(summary *usage.Summary, ceiling float64) func() check {
	return func() check {
		used, ok := summary.MaxUsedPercent()
		if !ok {
			return check{}
		}
		return ratio(store.StopProviderUsage, "provider usage", used, ceiling)
	}
}

// EvaluateGoal checks, in order: iterations, tokens, elapsed time, provider
// usage, consecutive errors and score stall.
func EvaluateGoal(g *store.Goal, summary *usage.Summary, now time.Time) Decision {
	b := g.Budget
	return run(
		func() check {
			return ratio(store.StopIterations, "iteration", float64(g.Usage.Iterations), float64(b.MaxIterations))
		},
		func() check {
			return ratio(store.StopTokens, "token", float64(g.Usage.Tokens), float64(b.MaxTokens))
		},
		durationCheck(g.Usage.StartedAt, now, b.MaxDuration.Duration()),
		providerCheck(summary, b.MaxProviderUsagePercent),
		func() check {
			limit := g.EvalConfig.MaxConsecutiveErrors
			if limit > 0 && g.Usage.ConsecutiveErrors >= limit {
				return check{decision: Decision{
					Verdict: Blocked,
					Kind:    store.StopConsecutiveErrors,
					Reason:  fmt.Sprintf("circuit breaker: %d consecutive turn errors", g.Usage.ConsecutiveErrors),
				}}
			}
			return check{}
		},
		func() check {
			if reason, stalled := Stalled(g.EvaluationScores, g.EvalConfig.StallWindow, g.EvalConfig.MinProgressDelta); stalled {
				return check{decision: Decision{Verdict: Blocked, Kind: store.StopStall, Reason: reason}}
			}
			return check{}
		},
	)
}

// Stalled reports whether the last window scores show no meaningful
// movement: every consecutive pair differs by less than minDelta. It never
// fires with fewer than window scores.
func Stalled(scores []int, window, minDelta int) (string, bool) {
	if window < 2 || minDelta <= 0 || len(scores) < window {
		return "", false
	}
	last := scores[len(scores)-window:]
	for i := 1; i < len(last); i++ {
		d := last[i] - last[i-1]
		if d < 0 {
			d = -d
		}
		if d >= minDelta {
			return "", false
		}
	}
	return fmt.Sprintf("stalled: last %d evaluation scores %v moved less than %d points between evaluations", window, last, minDelta), true
}

// EvaluatePlan checks, in order: agent turns, tokens, elapsed time and
// provider usage. Plans have no stall check.
func EvaluatePlan(p *store.Plan, summary *usage.Summary, now time.Time) Decision {
	b := p.Budget
	return run(
		func() check {
			return ratio(store.StopTurns, "turn", float64(p.Usage.Turns), float64(b.MaxTurns))
		},
		func() check {
			return ratio(store.StopTokens, "token", float64(p.Usage.Tokens), float64(b.MaxTokens))
		},
		durationCheck(p.Usage.StartedAt, now, b.MaxDuration.Duration()),
		providerCheck(summary, b.MaxProviderUsagePercent),
	)
}

// Governor evaluates executions against a live usage source.
type Governor struct {
	source usage.Source
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New returns a Governor. A nil source means no provider data.
func New(source usage.Source, opts ...Option) *Governor {
	g := &Governor{source: source, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckGoal evaluates a goal.
func (g *Governor) CheckGoal(ctx context.Context, goal *store.Goal) Decision {
	return EvaluateGoal(goal, g.summary(ctx), g.now())
}

// GoalChecker loads the provider summary and clock once and returns a pure
// check over them, for callers that must not do I/O while holding a store
// lock.
func (g *Governor) GoalChecker(ctx context.Context) func(goal *store.Goal) Decision {
	s, at := g.summary(ctx), g.now()
	return func(goal *store.Goal) Decision {
		return EvaluateGoal(goal, s, at)
	}
}

// CheckPlan evaluates a plan.
func (g *Governor) CheckPlan(ctx context.Context, plan *store.Plan) Decision {
	return EvaluatePlan(plan, g.summary(ctx), g.now())
}

func (g *Governor) summary(ctx context.Context) (s *usage.Summary) {
	if g.source == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("usage summary source panicked", zap.Any("panic", r))
			s = nil
		}
	}()
	s, err := g.source.LoadUsageSummary(ctx)
	if err != nil {
		g.logger.Debug("usage summary unavailable", zap.Error(err))
		return nil
	}
	return s
}
