// Package plan decomposes an objective into a task DAG and drives it to a
// scored result.
//
// The scheduler loop is the only writer of a plan's state. Workers run
// concurrently, but their results are collected and written back in a
// single store update once the whole batch has returned.
//
// States:
//
//	planning -> executing -> (replanning -> executing)* -> evaluating -> completed
//
// with failed and stopped reachable from every non-terminal state.
package plan

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
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

const (
	// DecomposeAttempts is how many decomposition turns a plan gets.
	DecomposeAttempts = 2
	// ReplanAttempts is how many turns one replanning round gets.
	ReplanAttempts = 2
	// EvaluateAttempts is how many final evaluation turns a plan gets
	// before it fails for want of a usable verdict.
	EvaluateAttempts = 2

	DefaultReplanThreshold = 0.4
	DefaultMaxReplans      = 3
	DefaultMaxConcurrency  = 3
	DefaultMaxRetries      = 2

	// maxTaskResult caps the result text kept on a task.
	maxTaskResult = 16000
)

var errStale = errors.New("plan changed underneath the scheduler")

// ApplyDefaults fills unset budget fields of a new plan.
func ApplyDefaults(b *store.PlanBudget) {
	if b.MaxConcurrency <= 0 {
		b.MaxConcurrency = DefaultMaxConcurrency
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = DefaultMaxRetries
	}
	if b.ReplanThreshold <= 0 {
		b.ReplanThreshold = DefaultReplanThreshold
	}
	if b.MaxReplans <= 0 {
		b.MaxReplans = DefaultMaxReplans
	}
}

// Options configures an Engine.
type Options struct {
	Store     *store.Store
	Governor  *governor.Governor
	Evaluator *evaluator.Evaluator
	Executor  executor.TurnExecutor
	Notifier  *notify.Notifier
	Events    events.Bus
	Learning  learning.Store
	Logger    *logging.Logger
	Now       func() time.Time
}

// Engine schedules plans.
type Engine struct {
	store    *store.Store
	gov      *governor.Governor
	eval     *evaluator.Evaluator
	exec     executor.TurnExecutor
	notifier *notify.Notifier
	events   events.Bus
	learning learning.Store
	logger   *logging.Logger
	now      func() time.Time
}

// NewEngine builds an Engine. Optional collaborators default to no-ops.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:    opts.Store,
		gov:      opts.Governor,
		eval:     opts.Evaluator,
		exec:     opts.Executor,
		notifier: opts.Notifier,
		events:   opts.Events,
		learning: opts.Learning,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.gov == nil {
		e.gov = governor.New(nil)
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

// Run drives one plan until it is completed, failed or stopped, or ctx is
// done. Cancellation keeps the last committed state; tasks that were in
// flight are dispatched again on the next run.
func (e *Engine) Run(ctx context.Context, planID string) (err error) {
	ctx = logging.WithExecution(ctx, string(store.KindPlan), planID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "plan loop panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("plan %s: panic: %v", planID, r)
			e.fail(ctx, planID, store.StopError, err.Error())
		}
	}()

	if err := e.loop(ctx, planID); err != nil {
		if ctx.Err() != nil || errors.Is(err, errStale) || errors.Is(err, store.ErrImmutable) {
			return nil
		}
		e.fail(ctx, planID, store.StopError, err.Error())
		return err
	}
	return nil
}

func (e *Engine) loop(ctx context.Context, planID string) error {
	if err := e.begin(ctx, planID); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		p, err := e.store.Plans.Get(planID)
		if err != nil {
			return err
		}

		var step func(context.Context, *store.Plan) error
		switch p.Status {
		case store.PlanPlanning:
			step = e.decompose
		case store.PlanExecuting:
			step = e.dispatch
		case store.PlanReplanning:
			step = e.replan
		case store.PlanEvaluating:
			step = e.evaluate
		default:
			e.logger.Debug(ctx, "plan no longer active, leaving loop", zap.String("status", string(p.Status)))
			return nil
		}

		if blocked, err := e.govern(ctx, p); blocked || err != nil {
			return err
		}
		if err := step(ctx, p); err != nil {
			return err
		}
	}
}

// begin stamps the start time and returns tasks left running by an
// interrupted batch to pending.
func (e *Engine) begin(ctx context.Context, planID string) error {
	p, err := e.store.Plans.Get(planID)
	if err != nil {
		return err
	}
	if !p.Status.Active() {
		return nil
	}

	first := p.Usage.StartedAt.IsZero()
	if !first && p.CountTasks(store.TaskRunning) == 0 {
		return nil
	}
	p, err = e.store.Plans.Update(planID, func(p *store.Plan) error {
		if p.Usage.StartedAt.IsZero() {
			p.Usage.StartedAt = e.now().UTC()
		}
		for i := range p.Tasks {
			if p.Tasks[i].Status == store.TaskRunning {
				p.Tasks[i].Status = store.TaskPending
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if first {
		e.logger.Info(ctx, "plan started", zap.String("objective", p.Objective))
		e.events.Publish(ctx, events.Event{
			Type:        events.Started,
			Kind:        store.KindPlan,
			ExecutionID: p.ID,
			Objective:   p.Objective,
			Status:      string(p.Status),
		})
	}
	return nil
}

func (e *Engine) govern(ctx context.Context, p *store.Plan) (bool, error) {
	d := e.gov.CheckPlan(ctx, p)
	metrics.RecordDecision(string(store.KindPlan), d.Verdict.String())
	for _, w := range d.Warnings {
		e.logger.Warn(ctx, "budget warning", zap.String("warning", w))
	}
	if !d.Blocked() {
		return false, nil
	}
	status := store.PlanStopped
	if d.Kind.IsBudget() {
		status = store.PlanFailed
	}
	return true, e.finish(ctx, p.ID, p.Status, status, d.Kind, d.Reason, nil)
}

// finish moves the plan from status `from` to a final status and fires the
// outcome side effects. mutate, when set, runs inside the same update.
func (e *Engine) finish(ctx context.Context, planID string, from, to store.PlanStatus, kind store.StopKind, reason string, mutate func(p *store.Plan)) error {
	p, err := e.store.Plans.Update(planID, func(p *store.Plan) error {
		if p.Status != from {
			return errStale
		}
		if mutate != nil {
			mutate(p)
		}
		p.Status = to
		p.StopKind = kind
		p.StopReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	e.finished(ctx, p)
	return nil
}

func (e *Engine) fail(ctx context.Context, planID string, kind store.StopKind, reason string) {
	p, err := e.store.Plans.Update(planID, func(p *store.Plan) error {
		p.Status = store.PlanFailed
		p.StopKind = kind
		p.StopReason = reason
		return nil
	})
	if err != nil {
		e.logger.Error(ctx, "marking plan failed", zap.String("reason", reason), zap.Error(err))
		e.notifier.Notify(ctx, nil, fmt.Sprintf("Plan %s failed: %s", planID, reason))
		return
	}
	e.finished(ctx, p)
}

func (e *Engine) finished(ctx context.Context, p *store.Plan) {
	metrics.RecordFinished(string(store.KindPlan), string(p.Status), string(p.StopKind))

	fields := []zap.Field{
		zap.String("status", string(p.Status)),
		zap.String("stop_kind", string(p.StopKind)),
		zap.String("reason", p.StopReason),
		zap.Int("turns", p.Usage.Turns),
		zap.Int64("tokens", p.Usage.Tokens),
		zap.Int("revision", p.PlanRevision),
	}
	if p.Status == store.PlanFailed {
		e.logger.Error(ctx, "plan finished", fields...)
	} else {
		e.logger.Info(ctx, "plan finished", fields...)
	}

	e.notifier.Notify(ctx, p.Notify, finishedMessage(p))

	ev := events.Event{
		Type:        events.TerminalType(string(p.Status), p.StopKind),
		Kind:        store.KindPlan,
		ExecutionID: p.ID,
		Objective:   p.Objective,
		Status:      string(p.Status),
		StopKind:    p.StopKind,
		Reason:      p.StopReason,
	}
	if p.FinalEvaluation != nil && !p.FinalEvaluation.Fallback {
		score := p.FinalEvaluation.Score
		ev.Score = &score
	}
	if !p.Usage.StartedAt.IsZero() {
		ev.DurationMs = e.now().Sub(p.Usage.StartedAt).Milliseconds()
	}
	e.events.Publish(ctx, ev)

	if err := e.learning.Record(ctx, learning.FromPlan(p)); err != nil {
		e.logger.Warn(ctx, "recording plan outcome", zap.Error(err))
	}
}

func finishedMessage(p *store.Plan) string {
	done := p.CountTasks(store.TaskCompleted)
	switch p.Status {
	case store.PlanCompleted:
		score := 0
		if p.FinalEvaluation != nil {
			score = p.FinalEvaluation.Score
		}
		return fmt.Sprintf("Plan %s completed (%d/%d tasks, score %d): %s", p.ID, done, len(p.Tasks), score, p.Objective)
	case store.PlanFailed:
		return fmt.Sprintf("Plan %s failed after %d/%d tasks: %s", p.ID, done, len(p.Tasks), p.StopReason)
	}
	return fmt.Sprintf("Plan %s stopped after %d/%d tasks: %s", p.ID, done, len(p.Tasks), p.StopReason)
}

// turn runs one isolated turn and reports whether its result still counts.
func (e *Engine) turn(ctx context.Context, req executor.TurnRequest) (executor.TurnResult, bool) {
	res := e.exec.RunIsolatedTurn(logging.WithSessionKey(ctx, req.SessionKey), req)
	return res, ctx.Err() == nil
}

// decompose asks for the task graph, giving up after DecomposeAttempts.
func (e *Engine) decompose(ctx context.Context, p *store.Plan) error {
	var lastErr error
	for attempt := 1; attempt <= DecomposeAttempts; attempt++ {
		if attempt > 1 {
			if blocked, err := e.govern(ctx, p); blocked || err != nil {
				return err
			}
		}

		req := executor.TurnRequest{
			SessionKey: executor.PlanDecomposeKey(p.ID, attempt),
			Prompt:     DecomposePrompt(p, attempt, lastErr),
			AgentID:    p.AgentID,
		}
		start := time.Now()
		res, ok := e.turn(ctx, req)
		if !ok {
			return nil
		}

		var tasks []store.Task
		lastErr = turnError(res)
		if lastErr == nil {
			tasks, lastErr = DecodeTasks(res.Output)
		}
		if lastErr == nil {
			lastErr = Validate(tasks)
		}
		e.appendTask(ctx, p.ID, store.TaskEntry{
			Revision:   0,
			Event:      eventFor("decomposed", lastErr),
			Retry:      attempt,
			SessionKey: req.SessionKey,
			Summary:    res.Summary,
			Error:      errString(lastErr),
			Tokens:     res.Tokens,
			DurationMs: time.Since(start).Milliseconds(),
		})

		var err error
		p, err = e.store.Plans.Update(p.ID, func(p *store.Plan) error {
			if p.Status != store.PlanPlanning {
				return errStale
			}
			p.Usage.Turns++
			p.Usage.Tokens += res.Tokens
			if lastErr == nil {
				p.Tasks = tasks
				p.Status = store.PlanExecuting
			}
			return nil
		})
		if err != nil {
			return err
		}
		if lastErr == nil {
			e.logger.Info(ctx, "plan decomposed", zap.Int("tasks", len(tasks)), zap.Int("attempt", attempt))
			return nil
		}
		e.logger.Warn(ctx, "decomposition rejected", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	return e.finish(ctx, p.ID, store.PlanPlanning, store.PlanFailed, store.StopDecomposition,
		fmt.Sprintf("decomposition failed after %d attempts: %v", DecomposeAttempts, lastErr), nil)
}

type outcome struct {
	task     store.Task
	key      string
	res      executor.TurnResult
	duration time.Duration
}

// dispatch runs one batch of ready tasks.
func (e *Engine) dispatch(ctx context.Context, p *store.Plan) error {
	if skipped := Unreachable(p.Tasks); len(skipped) > 0 {
		return e.skip(ctx, p, skipped)
	}

	ready := Ready(p.Tasks)
	if len(ready) == 0 {
		if Outstanding(p.Tasks) {
			return fmt.Errorf("plan %s has outstanding tasks but none can run", p.ID)
		}
		_, err := e.store.Plans.Update(p.ID, func(p *store.Plan) error {
			if p.Status != store.PlanExecuting {
				return errStale
			}
			p.Status = store.PlanEvaluating
			return nil
		})
		return err
	}

	limit := p.Budget.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	batch := ready
	if len(batch) > limit {
		batch = batch[:limit]
	}
	if maxTurns := p.Budget.MaxTurns; maxTurns > 0 && len(batch) > maxTurns-p.Usage.Turns {
		batch = batch[:maxTurns-p.Usage.Turns]
	}

	ids := make(map[string]bool, len(batch))
	for _, t := range batch {
		ids[t.ID] = true
	}
	p, err := e.store.Plans.Update(p.ID, func(p *store.Plan) error {
		if p.Status != store.PlanExecuting {
			return errStale
		}
		for i := range p.Tasks {
			if ids[p.Tasks[i].ID] {
				p.Tasks[i].Status = store.TaskRunning
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	results := e.runBatch(ctx, p, batch, limit)
	if ctx.Err() != nil {
		return nil
	}
	return e.collect(ctx, p, results)
}

// runBatch runs the batch's workers with at most limit in flight.
func (e *Engine) runBatch(ctx context.Context, p *store.Plan, batch []store.Task, limit int) []outcome {
	results := make([]outcome, len(batch))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, t := range batch {
		sem <- struct{}{}
		wg.Add(1)
		results[i] = outcome{task: t, key: executor.PlanWorkerKey(p.ID, t.ID, t.Retries)}
		go func(i int, t store.Task) {
			defer func() { <-sem }()
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].res = executor.Errorf(fmt.Errorf("worker panicked: %v", r))
				}
			}()

			req := executor.TurnRequest{
				SessionKey: results[i].key,
				Prompt:     WorkerPrompt(p, t),
				AgentID:    p.AgentID,
			}
			tctx := logging.WithTaskID(ctx, t.ID)
			start := time.Now()
			results[i].res, _ = e.turn(tctx, req)
			results[i].duration = time.Since(start)
		}(i, t)
	}
	wg.Wait()
	return results
}

// collect writes a finished batch back in one update and decides whether
// the plan needs replanning.
func (e *Engine) collect(ctx context.Context, p *store.Plan, results []outcome) error {
	var failures []store.TaskFailure
	var rate float64
	p, err := e.store.Plans.Update(p.ID, func(p *store.Plan) error {
		if p.Status != store.PlanExecuting {
			return errStale
		}
		failures = failures[:0]
		for _, r := range results {
			p.Usage.Turns++
			p.Usage.Tokens += r.res.Tokens

			t := p.Task(r.task.ID)
			if t == nil {
				continue
			}
			t.Tokens += r.res.Tokens
			if r.res.OK() {
				t.Status = store.TaskCompleted
				t.Result = truncate(taskText(r.res), maxTaskResult)
				t.Error = ""
				continue
			}
			t.Retries++
			t.Error = turnError(r.res).Error()
			t.Status = store.TaskPending
			if t.Retries >= p.Budget.MaxRetries {
				t.Status = store.TaskFailed
			}
			failures = append(failures, store.TaskFailure{TaskID: t.ID, Title: t.Title, Error: t.Error, Retries: t.Retries})
		}

		rate = float64(len(failures)) / float64(len(results))
		if len(failures) > 0 && rate > p.Budget.ReplanThreshold {
			p.Status = store.PlanReplanning
			p.LastFailures = failures
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range results {
		t := p.Task(r.task.ID)
		if t == nil {
			continue
		}
		entry := store.TaskEntry{
			TaskID:     t.ID,
			Revision:   t.Revision,
			Retry:      r.task.Retries,
			SessionKey: r.key,
			Summary:    r.res.Summary,
			Error:      r.res.Error,
			Tokens:     r.res.Tokens,
			DurationMs: r.duration.Milliseconds(),
		}
		switch t.Status {
		case store.TaskCompleted:
			entry.Event = "completed"
			metrics.TasksTotal.WithLabelValues("completed").Inc()
			e.publishTask(ctx, p, t, events.TaskCompleted)
		case store.TaskFailed:
			entry.Event = "failed"
			metrics.TasksTotal.WithLabelValues("failed").Inc()
			e.publishTask(ctx, p, t, events.TaskFailed)
		default:
			entry.Event = "retry"
			metrics.TasksTotal.WithLabelValues("retried").Inc()
		}
		e.appendTask(ctx, p.ID, entry)
	}

	e.logger.Info(ctx, "batch finished",
		zap.Int("dispatched", len(results)),
		zap.Int("failed", len(failures)),
		zap.Float64("failure_rate", rate),
	)
	if p.Status == store.PlanReplanning {
		e.logger.Warn(ctx, "batch failure rate over threshold, replanning",
			zap.Float64("failure_rate", rate),
			zap.Float64("threshold", p.Budget.ReplanThreshold),
		)
	}
	return nil
}

func (e *Engine) publishTask(ctx context.Context, p *store.Plan, t *store.Task, typ events.Type) {
	e.events.Publish(ctx, events.Event{
		Type:        typ,
		Kind:        store.KindPlan,
		ExecutionID: p.ID,
		Objective:   p.Objective,
		Status:      string(t.Status),
		Reason:      t.Error,
		TaskID:      t.ID,
	})
}

// skip marks tasks that can no longer become ready.
func (e *Engine) skip(ctx context.Context, p *store.Plan, ids []string) error {
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		skip[id] = true
	}
	p, err := e.store.Plans.Update(p.ID, func(p *store.Plan) error {
		if p.Status != store.PlanExecuting {
			return errStale
		}
		for i := range p.Tasks {
			if skip[p.Tasks[i].ID] {
				p.Tasks[i].Status = store.TaskSkipped
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		metrics.TasksTotal.WithLabelValues("skipped").Inc()
		e.appendTask(ctx, p.ID, store.TaskEntry{TaskID: id, Revision: p.PlanRevision, Event: "skipped"})
	}
	e.logger.Info(ctx, "skipped unreachable tasks", zap.Strings("tasks", ids))
	return nil
}

// replan replaces the tasks that have not completed.
func (e *Engine) replan(ctx context.Context, p *store.Plan) error {
	if p.Usage.Replans >= p.Budget.MaxReplans {
		return e.finish(ctx, p.ID, store.PlanReplanning, store.PlanFailed, store.StopReplanning,
			fmt.Sprintf("replanning limit of %d reached", p.Budget.MaxReplans), nil)
	}

	revision := p.PlanRevision + 1
	var lastErr error
	for attempt := 1; attempt <= ReplanAttempts; attempt++ {
		if attempt > 1 {
			if blocked, err := e.govern(ctx, p); blocked || err != nil {
				return err
			}
		}

		req := executor.TurnRequest{
			SessionKey: executor.PlanReplanKey(p.ID, revision),
			Prompt:     ReplanPrompt(p, lastErr),
			AgentID:    p.AgentID,
		}
		start := time.Now()
		res, ok := e.turn(ctx, req)
		if !ok {
			return nil
		}

		var merged []store.Task
		lastErr = turnError(res)
		if lastErr == nil {
			var tasks []store.Task
			if tasks, lastErr = DecodeTasks(res.Output); lastErr == nil {
				merged = Merge(p.Tasks, tasks, revision)
				lastErr = ValidateGraph(merged)
			}
		}
		e.appendTask(ctx, p.ID, store.TaskEntry{
			Revision:   revision,
			Event:      eventFor("replanned", lastErr),
			Retry:      attempt,
			SessionKey: req.SessionKey,
			Summary:    res.Summary,
			Error:      errString(lastErr),
			Tokens:     res.Tokens,
			DurationMs: time.Since(start).Milliseconds(),
		})

		var err error
		p, err = e.store.Plans.Update(p.ID, func(p *store.Plan) error {
			if p.Status != store.PlanReplanning {
				return errStale
			}
			p.Usage.Turns++
			p.Usage.Tokens += res.Tokens
			if lastErr == nil {
				p.Tasks = merged
				p.PlanRevision = revision
				p.Usage.Replans++
				p.LastFailures = nil
				p.Status = store.PlanExecuting
			}
			return nil
		})
		if err != nil {
			return err
		}
		if lastErr == nil {
			metrics.Replans.Inc()
			e.logger.Info(ctx, "plan revised", zap.Int("revision", revision), zap.Int("tasks", len(merged)))
			return nil
		}
		e.logger.Warn(ctx, "replan rejected", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	return e.finish(ctx, p.ID, store.PlanReplanning, store.PlanFailed, store.StopReplanning,
		fmt.Sprintf("replanning failed after %d attempts: %v", ReplanAttempts, lastErr), nil)
}

// evaluate scores the combined task results. Only a parsed verdict
// completes the plan; a plan whose evaluation never yields one fails.
func (e *Engine) evaluate(ctx context.Context, p *store.Plan) error {
	in := evaluator.PlanInput{
		PlanID:    p.ID,
		Objective: p.Objective,
		Criteria:  p.Criteria,
		AgentID:   p.AgentID,
	}
	for _, t := range p.Tasks {
		in.Tasks = append(in.Tasks, evaluator.TaskResult{ID: t.ID, Title: t.Title, Status: t.Status, Result: t.Result})
	}

	var last store.Evaluation
	for attempt := 1; attempt <= EvaluateAttempts; attempt++ {
		if attempt > 1 {
			if blocked, err := e.govern(ctx, p); blocked || err != nil {
				return err
			}
		}

		res, err := e.eval.EvaluatePlan(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		v := res.Evaluation
		if !v.Fallback {
			return e.finish(ctx, p.ID, store.PlanEvaluating, store.PlanCompleted, store.StopCompleted,
				fmt.Sprintf("final evaluation scored %d", v.Score), func(p *store.Plan) {
					p.Usage.Turns++
					p.Usage.Tokens += res.Tokens
					p.FinalEvaluation = &v
				})
		}

		last = v
		p, err = e.store.Plans.Update(p.ID, func(p *store.Plan) error {
			if p.Status != store.PlanEvaluating {
				return errStale
			}
			p.Usage.Turns++
			p.Usage.Tokens += res.Tokens
			return nil
		})
		if err != nil {
			return err
		}
		e.logger.Warn(ctx, "final evaluation unusable", zap.Int("attempt", attempt), zap.String("assessment", v.Assessment))
	}

	return e.finish(ctx, p.ID, store.PlanEvaluating, store.PlanFailed, store.StopEvaluation,
		fmt.Sprintf("final evaluation failed after %d attempts: %s", EvaluateAttempts, last.Assessment), func(p *store.Plan) {
			p.FinalEvaluation = &last
		})
}

func (e *Engine) appendTask(ctx context.Context, planID string, entry store.TaskEntry) {
	if entry.At.IsZero() {
		entry.At = e.now().UTC()
	}
	if err := e.store.Logs.Append(store.KindPlan, planID, store.LogTasks, entry); err != nil {
		e.logger.Error(ctx, "appending task log", zap.Error(err))
	}
}

func turnError(res executor.TurnResult) error {
	if res.OK() {
		return nil
	}
	if res.Error != "" {
		return fmt.Errorf("turn %s: %s", res.Status, res.Error)
	}
	return fmt.Errorf("turn %s", res.Status)
}

func taskText(res executor.TurnResult) string {
	if res.Output != "" {
		return res.Output
	}
	return res.Summary
}

func eventFor(success string, err error) string {
	if err != nil {
		return "rejected"
	}
	return success
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
