// Package goal drives single-focus goals through their iterate, evaluate
// and gate cycle.
//
// One Engine serves every goal; Run owns one goal until it leaves the
// running states or ctx is cancelled. All state changes go through the
// store's atomic update, and every update re-checks that the goal is still
// in the state the engine expects, so operator actions taken concurrently
// (stop, approve, reject) always win over an in-flight step.
package goal

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/evaluator"
	"github.com/fyrsmithlabs/overseer/internal/events"
	"github.com/fyrsmithlabs/overseer/internal/executor"
	"github.com/fyrsmithlabs/overseer/internal/governor"
	"github.com/fyrsmithlabs/overseer/internal/learning"
	"github.com/fyrsmithlabs/overseer/internal/logging"
	"github.com/fyrsmithlabs/overseer/internal/metrics"
	"github.com/fyrsmithlabs/overseer/internal/notify"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"go.uber.org/zap"
)

// CompletionScore is the evaluator score at which a goal that should not
// continue counts as completed.
const CompletionScore = 95

// errStale aborts an update whose goal moved on underneath the engine.
var errStale = errors.New("goal changed underneath the engine")

// Options configures an Engine.
type Options struct {
	Store     *store.Store
	Governor  *governor.Governor
	Evaluator *evaluator.Evaluator
	Executor  executor.TurnExecutor
	Approvals *Approvals
	Notifier  *notify.Notifier
	Events    events.Bus
	Learning  learning.Store
	Logger    *logging.Logger

	// IterationDelay is the pause between iterations.
	IterationDelay time.Duration
	// Now overrides time.Now.
	Now func() time.Time
}

// Engine runs goal loops.
type Engine struct {
	store     *store.Store
	gov       *governor.Governor
	eval      *evaluator.Evaluator
	exec      executor.TurnExecutor
	approvals *Approvals
	notifier  *notify.Notifier
	events    events.Bus
	learning  learning.Store
	logger    *logging.Logger
	delay     time.Duration
	now       func() time.Time
}

// NewEngine builds an Engine. Optional collaborators default to no-ops.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		gov:       opts.Governor,
		eval:      opts.Evaluator,
		exec:      opts.Executor,
		approvals: opts.Approvals,
		notifier:  opts.Notifier,
		events:    opts.Events,
		learning:  opts.Learning,
		logger:    opts.Logger,
		delay:     opts.IterationDelay,
		now:       opts.Now,
	}
	if e.gov == nil {
		e.gov = governor.New(nil)
	}
	if e.approvals == nil {
		e.approvals = NewApprovals()
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.learning == nil {
		e.learning = learning.Nop{}
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.eval == nil {
		e.eval = evaluator.New(e.exec, e.store.Logs, evaluator.WithLogger(e.logger.Underlying()))
	}
	return e
}

// Approvals returns the engine's gate waiter registry.
func (e *Engine) Approvals() *Approvals {
	return e.approvals
}

// Run drives one goal until it leaves the running states or ctx is done.
// Cancellation leaves the last committed status in place so the goal can
// be resumed. Unexpected errors and panics mark the goal failed.
func (e *Engine) Run(ctx context.Context, goalID string) (err error) {
	ctx = logging.WithExecution(ctx, string(store.KindGoal), goalID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "goal loop panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("goal %s: panic: %v", goalID, r)
			e.fail(ctx, goalID, err)
		}
	}()

	if err := e.loop(ctx, goalID); err != nil {
		if ctx.Err() != nil || errors.Is(err, errStale) || errors.Is(err, store.ErrImmutable) {
			return nil
		}
		e.fail(ctx, goalID, err)
		return err
	}
	return nil
}

func (e *Engine) loop(ctx context.Context, goalID string) error {
	g, err := e.begin(ctx, goalID)
	if err != nil || g == nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// 1. Re-read: an operator may have stopped or paused the goal.
		g, err = e.store.Goals.Get(goalID)
		if err != nil {
			return err
		}
		if g.Status == store.GoalPaused && g.PendingApproval != nil {
			if g, err = e.awaitGate(ctx, g); err != nil || g == nil {
				return err
			}
		}
		if g.Status != store.GoalRunning {
			e.logger.Debug(ctx, "goal no longer running, leaving loop", zap.String("status", string(g.Status)))
			return nil
		}

		// 2. Governor.
		if done, err := e.govern(ctx, g); done || err != nil {
			return err
		}

		// 3. Quality gate before the next iteration.
		next := g.Usage.Iterations + 1
		if g.QualityGates.IsGate(next) && !g.GateApproved(next) {
			if g, err = e.openGate(ctx, g, next); err != nil || g == nil {
				return err
			}
			continue
		}

		// 4-5. One isolated turn.
		g, err = e.iterate(ctx, g, next)
		if err != nil || g == nil {
			return err
		}

		// 6-7. Periodic evaluation and terminal checks.
		if every := g.EvalConfig.EvalEvery; every > 0 && g.Usage.Iterations%every == 0 {
			g, err = e.evaluate(ctx, g)
			if err != nil || g == nil {
				return err
			}
			if g.Status != store.GoalRunning {
				return nil
			}
		}

		// 8. Delay.
		if !sleep(ctx, e.delay) {
			return nil
		}
	}
}

// begin moves a pending goal to running, and a goal interrupted during
// evaluation back to running. It returns nil when there is nothing to do.
func (e *Engine) begin(ctx context.Context, goalID string) (*store.Goal, error) {
	g, err := e.store.Goals.Get(goalID)
	if err != nil {
		return nil, err
	}

	switch g.Status {
	case store.GoalPending, store.GoalEvaluating:
		from := g.Status
		g, err = e.store.Goals.Update(goalID, func(g *store.Goal) error {
			if g.Status != from {
				return errStale
			}
			g.Status = store.GoalRunning
			if g.Usage.StartedAt.IsZero() {
				g.Usage.StartedAt = e.now().UTC()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if from == store.GoalPending {
			e.logger.Info(ctx, "goal started", zap.String("objective", g.Objective))
			e.events.Publish(ctx, events.Event{
				Type:        events.Started,
				Kind:        store.KindGoal,
				ExecutionID: g.ID,
				Objective:   g.Objective,
				Status:      string(g.Status),
			})
		}
		return g, nil
	case store.GoalRunning, store.GoalPaused:
		return g, nil
	}
	return nil, nil
}

// govern runs the governor and stops the goal on a block.
func (e *Engine) govern(ctx context.Context, g *store.Goal) (bool, error) {
	d := e.gov.CheckGoal(ctx, g)
	metrics.RecordDecision(string(store.KindGoal), d.Verdict.String())
	for _, w := range d.Warnings {
		e.logger.Warn(ctx, "budget warning", zap.String("warning", w))
	}
	if !d.Blocked() {
		return false, nil
	}
	return true, e.stop(ctx, g.ID, g.Status, d.Kind, d.Reason)
}

// statusFor maps a stop kind to the goal status it leaves the goal in.
func statusFor(kind store.StopKind) store.GoalStatus {
	switch {
	case kind == store.StopCompleted:
		return store.GoalCompleted
	case kind == store.StopError:
		return store.GoalFailed
	case kind.IsBudget():
		return store.GoalBudgetExceeded
	}
	return store.GoalStopped
}

// stop moves the goal from status `from` to the status kind maps to, then
// fires the outcome side effects.
func (e *Engine) stop(ctx context.Context, goalID string, from store.GoalStatus, kind store.StopKind, reason string) error {
	g, err := e.store.Goals.Update(goalID, func(g *store.Goal) error {
		if g.Status != from {
			return errStale
		}
		g.Status = statusFor(kind)
		g.StopKind = kind
		g.StopReason = reason
		g.PendingApproval = nil
		return nil
	})
	if err != nil {
		return err
	}
	e.finished(ctx, g)
	return nil
}

// fail marks the goal failed with err as the reason. Errors writing the
// failure are logged only.
func (e *Engine) fail(ctx context.Context, goalID string, cause error) {
	g, err := e.store.Goals.Update(goalID, func(g *store.Goal) error {
		g.Status = store.GoalFailed
		g.StopKind = store.StopError
		g.StopReason = cause.Error()
		g.PendingApproval = nil
		return nil
	})
	if err != nil {
		e.logger.Error(ctx, "marking goal failed", zap.NamedError("cause", cause), zap.Error(err))
		e.notifier.Notify(ctx, nil, fmt.Sprintf("Goal %s failed: %v", goalID, cause))
		return
	}
	e.finished(ctx, g)
}

// finished fires the best-effort side effects of a goal leaving the
// running states.
func (e *Engine) finished(ctx context.Context, g *store.Goal) {
	metrics.RecordFinished(string(store.KindGoal), string(g.Status), string(g.StopKind))

	fields := []zap.Field{
		zap.String("status", string(g.Status)),
		zap.String("stop_kind", string(g.StopKind)),
		zap.String("reason", g.StopReason),
		zap.Int("iterations", g.Usage.Iterations),
		zap.Int64("tokens", g.Usage.Tokens),
	}
	if g.Status == store.GoalFailed {
		e.logger.Error(ctx, "goal finished", fields...)
	} else {
		e.logger.Info(ctx, "goal finished", fields...)
	}

	e.notifier.Notify(ctx, g.Notify, finishedMessage(g))

	ev := events.Event{
		Type:        events.TerminalType(string(g.Status), g.StopKind),
		Kind:        store.KindGoal,
		ExecutionID: g.ID,
		Objective:   g.Objective,
		Status:      string(g.Status),
		StopKind:    g.StopKind,
		Reason:      g.StopReason,
	}
	if g.LastEvaluation != nil {
		score := g.LastEvaluation.Score
		ev.Score = &score
	}
	if !g.Usage.StartedAt.IsZero() {
		ev.DurationMs = e.now().Sub(g.Usage.StartedAt).Milliseconds()
	}
	e.events.Publish(ctx, ev)

	if err := e.learning.Record(ctx, learning.FromGoal(g)); err != nil {
		e.logger.Warn(ctx, "recording goal outcome", zap.Error(err))
	}
}

func finishedMessage(g *store.Goal) string {
	switch g.Status {
	case store.GoalCompleted:
		return fmt.Sprintf("Goal %s completed after %d iterations: %s", g.ID, g.Usage.Iterations, g.Objective)
	case store.GoalBudgetExceeded:
		return fmt.Sprintf("Goal %s exceeded its budget: %s. Raise the limit and resume to continue.", g.ID, g.StopReason)
	case store.GoalFailed:
		return fmt.Sprintf("Goal %s failed: %s", g.ID, g.StopReason)
	}
	return fmt.Sprintf("Goal %s stopped: %s", g.ID, g.StopReason)
}

// openGate pauses the goal before iteration and waits for a resolution.
func (e *Engine) openGate(ctx context.Context, g *store.Goal, iteration int) (*store.Goal, error) {
	g, err := e.store.Goals.Update(g.ID, func(g *store.Goal) error {
		if g.Status != store.GoalRunning {
			return errStale
		}
		action := g.QualityGates.TimeoutAction
		if action == "" {
			action = store.GateReject
		}
		g.Status = store.GoalPaused
		g.PendingApproval = &store.PendingApproval{
			Iteration:     iteration,
			RequestedAt:   e.now().UTC(),
			TimeoutAction: action,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "goal paused at quality gate", zap.Int("iteration", iteration))
	e.notifier.Urgent(ctx, g.Notify, fmt.Sprintf(
		"Goal %s is waiting for approval before iteration %d (%s). Approve with `overseer goal approve %s` or reject with `overseer goal reject %s`. Without a decision it will be %sd after %s.",
		g.ID, iteration, g.Objective, g.ID, g.ID, g.PendingApproval.TimeoutAction, g.QualityGates.Timeout.Duration(),
	))
	return e.awaitGate(ctx, g)
}

// awaitGate waits on a goal already paused at a gate. It is also how a
// restarted engine re-arms a wait persisted before the restart.
func (e *Engine) awaitGate(ctx context.Context, g *store.Goal) (*store.Goal, error) {
	pending := *g.PendingApproval

	// A zero timeout waits indefinitely.
	var remaining time.Duration
	expired := false
	if timeout := g.QualityGates.Timeout.Duration(); timeout > 0 {
		remaining = pending.RequestedAt.Add(timeout).Sub(e.now())
		expired = remaining <= 0
	}

	res := TimedOut
	if !expired {
		var err error
		res, err = e.approvals.Wait(ctx, g.ID, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}
	}

	approve := res == Approved || (res == TimedOut && pending.TimeoutAction == store.GateApprove)
	e.logger.Info(ctx, "quality gate resolved",
		zap.Int("iteration", pending.Iteration),
		zap.String("resolution", res.String()),
		zap.Bool("approved", approve),
	)

	if !approve {
		reason := fmt.Sprintf("quality gate before iteration %d rejected", pending.Iteration)
		if res == TimedOut {
			reason = fmt.Sprintf("quality gate before iteration %d timed out and was rejected", pending.Iteration)
		}
		return nil, e.stop(ctx, g.ID, store.GoalPaused, store.StopRejected, reason)
	}

	return e.store.Goals.Update(g.ID, func(g *store.Goal) error {
		if g.Status != store.GoalPaused {
			return errStale
		}
		g.Status = store.GoalRunning
		g.PendingApproval = nil
		if !g.GateApproved(pending.Iteration) {
			g.ApprovedGates = append(g.ApprovedGates, pending.Iteration)
		}
		return nil
	})
}

// iterate runs iteration next and records its outcome.
func (e *Engine) iterate(ctx context.Context, g *store.Goal, next int) (*store.Goal, error) {
	var prior string
	if next == 1 {
		var err error
		prior, err = e.learning.Lookup(ctx, g.Objective)
		if err != nil {
			e.logger.Warn(ctx, "learning lookup failed", zap.Error(err))
			prior = ""
		}
	}

	req := executor.TurnRequest{
		SessionKey: executor.GoalKey(g.ID),
		Prompt:     Prompt(g, next, prior),
		AgentID:    g.AgentID,
	}
	start := time.Now()
	res := e.exec.RunIsolatedTurn(logging.WithSessionKey(ctx, req.SessionKey), req)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		// Discarded: the iteration is redone when the goal resumes.
		return nil, nil
	}

	entry := store.IterationEntry{
		Iteration:  next,
		SessionKey: req.SessionKey,
		Status:     string(res.Status),
		Summary:    res.Summary,
		Error:      res.Error,
		Tokens:     res.Tokens,
		DurationMs: elapsed.Milliseconds(),
		At:         e.now().UTC(),
	}
	if err := e.store.Logs.Append(store.KindGoal, g.ID, store.LogIterations, entry); err != nil {
		e.logger.Error(ctx, "appending iteration log", zap.Error(err))
	}

	g, err := e.store.Goals.Update(g.ID, func(g *store.Goal) error {
		if g.Status != store.GoalRunning || g.Usage.Iterations != next-1 {
			return errStale
		}
		g.Usage.Iterations = next
		g.Usage.Tokens += res.Tokens
		switch res.Status {
		case executor.StatusOK:
			g.Usage.ConsecutiveErrors = 0
		case executor.StatusError:
			g.Usage.Errors++
			g.Usage.ConsecutiveErrors++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Status == executor.StatusError {
		e.logger.Warn(ctx, "iteration failed",
			zap.Int("iteration", next),
			zap.String("error", res.Error),
			zap.Int("consecutive_errors", g.Usage.ConsecutiveErrors),
		)
	} else {
		e.logger.Info(ctx, "iteration finished",
			zap.Int("iteration", next),
			zap.String("status", string(res.Status)),
			zap.Int64("tokens", res.Tokens),
		)
	}
	return g, nil
}

// evaluate scores the goal and applies the terminal checks.
func (e *Engine) evaluate(ctx context.Context, g *store.Goal) (*store.Goal, error) {
	iteration := g.Usage.Iterations
	g, err := e.store.Goals.Update(g.ID, func(g *store.Goal) error {
		if g.Status != store.GoalRunning {
			return errStale
		}
		g.Status = store.GoalEvaluating
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := e.eval.EvaluateGoal(ctx, evaluator.GoalInput{
		GoalID:    g.ID,
		Iteration: iteration,
		Objective: g.Objective,
		Criteria:  g.Criteria,
		Model:     g.EvalConfig.EvaluatorModel,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	v := res.Evaluation

	// Provider usage is read before taking the store lock.
	check := func(*store.Goal) governor.Decision { return governor.Decision{} }
	if v.ShouldContinue {
		check = e.gov.GoalChecker(ctx)
	}

	var decision governor.Decision
	g, err = e.store.Goals.Update(g.ID, func(g *store.Goal) error {
		if g.Status != store.GoalEvaluating {
			return errStale
		}
		g.LastEvaluation = &v
		if !v.Fallback {
			g.EvaluationScores = append(g.EvaluationScores, v.Score)
		}
		if v.SuggestedNextAction != "" {
			g.LastSuggestedAction = v.SuggestedNextAction
		}
		g.Usage.Tokens += res.Tokens

		switch {
		case v.Score >= CompletionScore && !v.ShouldContinue:
			g.Status = store.GoalCompleted
			g.StopKind = store.StopCompleted
			g.StopReason = fmt.Sprintf("objective met with score %d", v.Score)
		case !v.ShouldContinue:
			g.Status = store.GoalStopped
			g.StopKind = store.StopEvaluator
			g.StopReason = fmt.Sprintf("evaluator recommended stopping at score %d: %s", v.Score, v.Assessment)
		default:
			decision = check(g)
			if decision.Blocked() {
				g.Status = statusFor(decision.Kind)
				g.StopKind = decision.Kind
				g.StopReason = decision.Reason
			} else {
				g.Status = store.GoalRunning
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "goal evaluated",
		zap.Int("iteration", iteration),
		zap.Int("score", v.Score),
		zap.Bool("should_continue", v.ShouldContinue),
		zap.Bool("fallback", v.Fallback),
	)
	if decision.Verdict != governor.Allowed {
		metrics.RecordDecision(string(store.KindGoal), decision.Verdict.String())
	}
	if g.Status != store.GoalRunning {
		e.finished(ctx, g)
	}
	return g, nil
}

// Prompt renders the worker prompt for an iteration.
func Prompt(g *store.Goal, iteration int, prior string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working toward an objective across several iterations. This is iteration %d", iteration)
	if g.Budget.MaxIterations > 0 {
		fmt.Fprintf(&b, " of at most %d", g.Budget.MaxIterations)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "## Objective\n%s\n\n", g.Objective)

	if len(g.Criteria) > 0 {
		b.WriteString("## Acceptance criteria\n")
		for i, c := range g.Criteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteString("\n")
	}

	if ev := g.LastEvaluation; ev != nil {
		fmt.Fprintf(&b, "## Last evaluation\nScore: %d/100\n", ev.Score)
		if ev.Assessment != "" {
			fmt.Fprintf(&b, "Assessment: %s\n", ev.Assessment)
		}
		if unmet := ev.UnmetCriteria(); len(unmet) > 0 {
			fmt.Fprintf(&b, "Unmet criteria: %s\n", strings.Join(unmet, "; "))
		}
		b.WriteString("\n")
	}
	if g.LastSuggestedAction != "" {
		fmt.Fprintf(&b, "## Suggested next action\n%s\n\n", g.LastSuggestedAction)
	}
	if prior != "" {
		fmt.Fprintf(&b, "## %s\n", strings.TrimSpace(prior))
		b.WriteString("\n")
	}

	b.WriteString("Make concrete progress on the objective in this iteration, then summarize what you did in the first line of your reply.\n")
	return b.String()
}

// sleep waits d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
