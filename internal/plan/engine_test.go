package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/overseer/internal/events"
	"github.com/fyrsmithlabs/overseer/internal/executor"
	"github.com/fyrsmithlabs/overseer/internal/logging"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) count(typ events.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// agent routes turns by session key role.
type agent struct {
	mu   sync.Mutex
	keys []string

	decompose func(req executor.TurnRequest) executor.TurnResult
	worker    func(req executor.TurnRequest) executor.TurnResult
	replan    func(req executor.TurnRequest) executor.TurnResult
	evaluate  func(req executor.TurnRequest) executor.TurnResult
}

func (a *agent) RunIsolatedTurn(_ context.Context, req executor.TurnRequest) executor.TurnResult {
	a.mu.Lock()
	a.keys = append(a.keys, req.SessionKey)
	a.mu.Unlock()

	var fn func(executor.TurnRequest) executor.TurnResult
	switch executor.Role(req.SessionKey) {
	case "plan_decompose":
		fn = a.decompose
	case "plan_worker":
		fn = a.worker
	case "plan_replan":
		fn = a.replan
	case "plan_eval":
		fn = a.evaluate
	}
	if fn == nil {
		return executor.TurnResult{Status: executor.StatusOK, Output: "done", Summary: "done", Tokens: 10}
	}
	return fn(req)
}

func (a *agent) sessionKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

func reply(v any) executor.TurnResult {
	data, _ := json.Marshal(v)
	return executor.TurnResult{Status: executor.StatusOK, Output: string(data), Summary: "replied", Tokens: 20}
}

func taskList(tasks ...store.Task) map[string]any {
	var out []map[string]any
	for _, t := range tasks {
		out = append(out, map[string]any{"id": t.ID, "title": t.Title, "description": "do " + t.ID, "dependsOn": t.DependsOn})
	}
	return map[string]any{"tasks": out}
}

func scoreReply(score int) executor.TurnResult {
	return executor.TurnResult{
		Status: executor.StatusOK,
		Output: fmt.Sprintf(`{"progressScore": %d, "assessment": "combined result reviewed", "criteriaStatus": [{"met": true}]}`, score),
		Tokens: 15,
	}
}

type harness struct {
	engine *Engine
	store  *store.Store
	logger *logging.TestLogger
	bus    *recordingBus
}

func newHarness(t *testing.T, a *agent) *harness {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	if a.evaluate == nil {
		a.evaluate = func(executor.TurnRequest) executor.TurnResult { return scoreReply(88) }
	}
	h := &harness{store: s, logger: logging.NewTestLogger(), bus: &recordingBus{}}
	h.engine = NewEngine(Options{
		Store:    s,
		Executor: a,
		Events:   h.bus,
		Logger:   h.logger.Logger,
	})
	return h
}

func (h *harness) create(t *testing.T, status store.PlanStatus, tasks []store.Task, mutate func(p *store.Plan)) string {
	t.Helper()
	p := &store.Plan{
		ID:        "p1",
		Objective: "ship the release",
		Criteria:  []string{"release tagged"},
		Status:    status,
		Tasks:     tasks,
	}
	ApplyDefaults(&p.Budget)
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, h.store.Plans.Create(p))
	return p.ID
}

func (h *harness) get(t *testing.T, id string) *store.Plan {
	t.Helper()
	p, err := h.store.Plans.Get(id)
	require.NoError(t, err)
	return p
}

func TestRun_DecomposeExecuteEvaluate(t *testing.T) {
	a := &agent{
		decompose: func(executor.TurnRequest) executor.TurnResult {
			return reply(taskList(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"), task("e")))
		},
		worker: func(req executor.TurnRequest) executor.TurnResult {
			return executor.TurnResult{Status: executor.StatusOK, Output: "result of " + req.SessionKey, Tokens: 10}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanPlanning, nil, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, store.StopCompleted, p.StopKind)
	require.NotNil(t, p.FinalEvaluation)
	assert.Equal(t, 88, p.FinalEvaluation.Score)
	assert.Equal(t, 5, p.CountTasks(store.TaskCompleted))
	assert.Equal(t, 1+5+1, p.Usage.Turns)
	assert.Equal(t, int64(20+5*10+15), p.Usage.Tokens)
	assert.Equal(t, "result of plan-worker:p1:a:0", p.Task("a").Result)

	keys := a.sessionKeys()
	assert.Equal(t, "plan-decompose:p1:1", keys[0])
	assert.Equal(t, "plan-eval:p1", keys[len(keys)-1])

	assert.Equal(t, 1, h.bus.count(events.Started))
	assert.Equal(t, 5, h.bus.count(events.TaskCompleted))
	assert.Equal(t, 1, h.bus.count(events.Completed))

	raw, err := h.store.Logs.ReadTail(store.KindPlan, id, store.LogTasks, 0)
	require.NoError(t, err)
	assert.Len(t, raw, 1+5)
}

func TestRun_WorkerSeesDependencyResults(t *testing.T) {
	var prompt string
	var mu sync.Mutex
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			if strings.Contains(req.SessionKey, ":b:") {
				mu.Lock()
				prompt = req.Prompt
				mu.Unlock()
			}
			return executor.TurnResult{Status: executor.StatusOK, Output: "output of " + req.SessionKey}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b", "a")}, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))
	assert.Contains(t, prompt, "output of plan-worker:p1:a:0")
}

func TestRun_DecompositionFailsTwice(t *testing.T) {
	a := &agent{
		decompose: func(executor.TurnRequest) executor.TurnResult {
			return reply(taskList(task("a"), task("b")))
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanPlanning, nil, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanFailed, p.Status)
	assert.Equal(t, store.StopDecomposition, p.StopKind)
	assert.Contains(t, p.StopReason, "got 2 tasks")
	assert.Equal(t, 2, p.Usage.Turns)
	assert.Equal(t, []string{"plan-decompose:p1:1", "plan-decompose:p1:2"}, a.sessionKeys())
	assert.Equal(t, 1, h.bus.count(events.Failed))
}

func TestRun_DecompositionRecoversOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	a := &agent{
		decompose: func(req executor.TurnRequest) executor.TurnResult {
			if calls.Add(1) == 1 {
				return executor.TurnResult{Status: executor.StatusOK, Output: "I need more context."}
			}
			assert.Contains(t, req.Prompt, "previous task list was rejected")
			return reply(taskList(task("a"), task("b"), task("c"), task("d"), task("e")))
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanPlanning, nil, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))
	assert.Equal(t, store.PlanCompleted, h.get(t, id).Status)
}

func TestRun_ThreeIndependentTasksBoundedConcurrency(t *testing.T) {
	var h *harness
	var inFlight, peak atomic.Int32
	var sawEvaluating atomic.Bool
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			p, err := h.store.Plans.Get("p1")
			if assert.NoError(t, err) {
				assert.LessOrEqual(t, p.CountTasks(store.TaskRunning), 2)
			}
			time.Sleep(20 * time.Millisecond)
			return executor.TurnResult{Status: executor.StatusOK, Output: "ok"}
		},
		evaluate: func(executor.TurnRequest) executor.TurnResult {
			p, err := h.store.Plans.Get("p1")
			if assert.NoError(t, err) {
				sawEvaluating.Store(p.Status == store.PlanEvaluating)
			}
			return scoreReply(90)
		},
	}
	h = newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b"), task("c")}, func(p *store.Plan) {
		p.Budget.MaxConcurrency = 2
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, 3, p.CountTasks(store.TaskCompleted))
	assert.Equal(t, int32(2), peak.Load())
	assert.True(t, sawEvaluating.Load())
}

func TestRun_HighFailureRateReplans(t *testing.T) {
	var replanned atomic.Bool
	var before store.Task
	var h *harness
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			if !replanned.Load() && !strings.Contains(req.SessionKey, ":t1:") {
				return executor.Errorf(errors.New("compile error"))
			}
			return executor.TurnResult{Status: executor.StatusOK, Output: "built " + req.SessionKey}
		},
		replan: func(req executor.TurnRequest) executor.TurnResult {
			p, err := h.store.Plans.Get("p1")
			require.NoError(t, err)
			assert.Equal(t, store.PlanReplanning, p.Status)
			assert.Len(t, p.LastFailures, 3)
			before = *p.Task("t1")
			assert.Contains(t, req.Prompt, "compile error")

			replanned.Store(true)
			return reply(taskList(
				store.Task{ID: "t1", Title: "replanner tried to rewrite a completed task"},
				task("t5", "t1"),
				task("t6", "t5"),
			))
		},
	}
	h = newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("t1"), task("t2"), task("t3"), task("t4")}, func(p *store.Plan) {
		p.Budget.MaxConcurrency = 4
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	keys := a.sessionKeys()
	require.GreaterOrEqual(t, len(keys), 5)
	// The whole first batch, then straight to the replanner.
	for _, k := range keys[:4] {
		assert.True(t, strings.HasPrefix(k, "plan-worker:p1:"), k)
	}
	assert.Equal(t, "plan-replan:p1:1", keys[4])

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, 1, p.PlanRevision)
	assert.Equal(t, 1, p.Usage.Replans)
	assert.Equal(t, []string{"t1", "t5", "t6"}, ids(p.Tasks))
	assert.Equal(t, before, *p.Task("t1"))
	assert.Equal(t, 1, p.Task("t5").Revision)
	assert.Nil(t, p.LastFailures)
	assert.NoError(t, ValidateGraph(p.Tasks))
}

func TestRun_RetriesBelowThreshold(t *testing.T) {
	var attempts atomic.Int32
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			if strings.Contains(req.SessionKey, ":a:") && attempts.Add(1) == 1 {
				return executor.Errorf(errors.New("flaky"))
			}
			return executor.TurnResult{Status: executor.StatusOK, Output: "ok"}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b"), task("c")}, func(p *store.Plan) {
		p.Budget.MaxConcurrency = 3
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, 0, p.PlanRevision)
	assert.Equal(t, 1, p.Task("a").Retries)
	assert.Contains(t, a.sessionKeys(), "plan-worker:p1:a:1")
}

func TestRun_FailedDependencySkipsDependents(t *testing.T) {
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			if strings.Contains(req.SessionKey, ":a:") {
				return executor.Errorf(errors.New("no access"))
			}
			return executor.TurnResult{Status: executor.StatusOK, Output: "ok"}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b", "a"), task("c", "b")}, func(p *store.Plan) {
		p.Budget.MaxRetries = 1
		p.Budget.ReplanThreshold = 1
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, store.TaskFailed, p.Task("a").Status)
	assert.Equal(t, store.TaskSkipped, p.Task("b").Status)
	assert.Equal(t, store.TaskSkipped, p.Task("c").Status)
	assert.Equal(t, 1, h.bus.count(events.TaskFailed))
}

func TestRun_ReplanLimit(t *testing.T) {
	a := &agent{}
	h := newHarness(t, a)
	id := h.create(t, store.PlanReplanning, []store.Task{task("a")}, func(p *store.Plan) {
		p.Budget.MaxReplans = 1
		p.Usage.Replans = 1
		p.Usage.StartedAt = time.Now()
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanFailed, p.Status)
	assert.Equal(t, store.StopReplanning, p.StopKind)
	assert.Empty(t, a.sessionKeys())
}

func TestRun_ReplanRejectedTwice(t *testing.T) {
	a := &agent{
		replan: func(executor.TurnRequest) executor.TurnResult {
			return reply(taskList(task("x", "y"), task("y", "x")))
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanReplanning, []store.Task{task("a")}, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanFailed, p.Status)
	assert.Equal(t, store.StopReplanning, p.StopKind)
	assert.Contains(t, p.StopReason, "cycle")
	assert.Equal(t, 2, p.Usage.Turns)
}

func TestRun_TurnBudget(t *testing.T) {
	a := &agent{}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b"), task("c")}, func(p *store.Plan) {
		p.Budget.MaxConcurrency = 3
		p.Budget.MaxTurns = 2
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanFailed, p.Status)
	assert.Equal(t, store.StopTurns, p.StopKind)
	assert.Equal(t, 2, p.Usage.Turns)
	assert.Equal(t, 2, p.CountTasks(store.TaskCompleted))
}

func TestRun_ResumeRequeuesRunningTasks(t *testing.T) {
	a := &agent{}
	h := newHarness(t, a)
	tasks := []store.Task{task("a"), task("b")}
	tasks[0].Status = store.TaskRunning
	id := h.create(t, store.PlanExecuting, tasks, func(p *store.Plan) {
		p.Usage.StartedAt = time.Now().Add(-time.Minute)
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Contains(t, a.sessionKeys(), "plan-worker:p1:a:0")
	assert.Zero(t, h.bus.count(events.Started))
}

func TestRun_WorkerPanicIsTaskFailure(t *testing.T) {
	a := &agent{
		worker: func(req executor.TurnRequest) executor.TurnResult {
			if strings.Contains(req.SessionKey, ":a:") {
				panic("worker exploded")
			}
			return executor.TurnResult{Status: executor.StatusOK, Output: "ok"}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a"), task("b"), task("c")}, func(p *store.Plan) {
		p.Budget.MaxRetries = 1
		p.Budget.ReplanThreshold = 0.5
	})

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, store.TaskFailed, p.Task("a").Status)
	assert.Contains(t, p.Task("a").Error, "worker exploded")
}

func TestRun_CancelledBatchIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &agent{
		worker: func(executor.TurnRequest) executor.TurnResult {
			cancel()
			return executor.TurnResult{Status: executor.StatusSkipped}
		},
	}
	h := newHarness(t, a)
	id := h.create(t, store.PlanExecuting, []store.Task{task("a")}, nil)

	require.NoError(t, h.engine.Run(ctx, id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanExecuting, p.Status)
	assert.Equal(t, store.TaskRunning, p.Task("a").Status)
	assert.Zero(t, p.Usage.Turns)
}

func done(id string) store.Task {
	t := task(id)
	t.Status = store.TaskCompleted
	t.Result = "result of " + id
	return t
}

func TestRun_UnusableFinalEvaluationFails(t *testing.T) {
	cases := map[string]executor.TurnResult{
		"non-JSON output": {Status: executor.StatusOK, Output: "looks great to me", Tokens: 5},
		"turn error":      {Status: executor.StatusError, Error: "model overloaded", Tokens: 5},
	}
	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			a := &agent{evaluate: func(executor.TurnRequest) executor.TurnResult { return res }}
			h := newHarness(t, a)
			id := h.create(t, store.PlanEvaluating, []store.Task{done("a")}, nil)

			require.NoError(t, h.engine.Run(context.Background(), id))

			p := h.get(t, id)
			assert.Equal(t, store.PlanFailed, p.Status)
			assert.Equal(t, store.StopEvaluation, p.StopKind)
			assert.Contains(t, p.StopReason, "final evaluation failed")
			require.NotNil(t, p.FinalEvaluation)
			assert.True(t, p.FinalEvaluation.Fallback)
			assert.Equal(t, EvaluateAttempts, p.Usage.Turns)
			assert.Equal(t, 1, h.bus.count(events.Failed))
		})
	}
}

func TestRun_FinalEvaluationRecoversOnRetry(t *testing.T) {
	calls := 0
	a := &agent{evaluate: func(executor.TurnRequest) executor.TurnResult {
		calls++
		if calls == 1 {
			return executor.TurnResult{Status: executor.StatusOK, Output: "no verdict here"}
		}
		return scoreReply(91)
	}}
	h := newHarness(t, a)
	id := h.create(t, store.PlanEvaluating, []store.Task{done("a")}, nil)

	require.NoError(t, h.engine.Run(context.Background(), id))

	p := h.get(t, id)
	assert.Equal(t, store.PlanCompleted, p.Status)
	assert.Equal(t, store.StopCompleted, p.StopKind)
	require.NotNil(t, p.FinalEvaluation)
	assert.False(t, p.FinalEvaluation.Fallback)
	assert.Equal(t, 91, p.FinalEvaluation.Score)
	assert.Equal(t, 2, calls)
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("ü", 8)
	for n := 0; n < len(s); n++ {
		assert.True(t, utf8.ValidString(truncate(s, n)), "n=%d", n)
	}
	assert.Equal(t, "üü...", truncate(s, 5))
}
