// Package evaluator scores execution progress with one isolated turn per
// evaluation.
//
// The scoring turn must answer with a single JSON object. Output that cannot
// be decoded never stops an execution: it becomes a fallback verdict with
// score 0 and ShouldContinue set. Every call, decoded or not, is appended
// to the execution's evaluation log.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/overseer/internal/executor"
	"github.com/fyrsmithlabs/overseer/internal/metrics"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"go.uber.org/zap"
)

const (
	// iterationWindow is how many recent iteration summaries the prompt shows.
	iterationWindow = 10
	// verdictWindow is how many prior verdicts the prompt shows.
	verdictWindow = 3
	// maxRawOutput bounds the raw output kept in the evaluation log.
	maxRawOutput = 4000
)

// GoalInput identifies the goal iteration being evaluated.
type GoalInput struct {
	GoalID    string
	Iteration int
	Objective string
	Criteria  []string
	// Model overrides the agent used for the scoring turn.
	Model string
}

// TaskResult is one task outcome shown to the plan evaluator.
type TaskResult struct {
	ID     string
	Title  string
	Status store.TaskStatus
	Result string
}

// PlanInput is the aggregate a plan's final evaluation scores.
type PlanInput struct {
	PlanID    string
	Objective string
	Criteria  []string
	Tasks     []TaskResult
	AgentID   string
}

// Result is an evaluation plus the tokens its turn consumed.
type Result struct {
	Evaluation store.Evaluation
	Tokens     int64
}

// Evaluator runs scoring turns.
type Evaluator struct {
	exec   executor.TurnExecutor
	logs   *store.Logs
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// New returns an Evaluator that delegates to exec and logs to logs.
func New(exec executor.TurnExecutor, logs *store.Logs, opts ...Option) *Evaluator {
	e := &Evaluator{exec: exec, logs: logs, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateGoal scores a goal after an iteration. It returns an error only
// when ctx is done; every other failure yields a fallback verdict.
func (e *Evaluator) EvaluateGoal(ctx context.Context, in GoalInput) (Result, error) {
	iterations, err := e.logs.ReadIterations(in.GoalID, iterationWindow)
	if err != nil {
		e.logger.Warn("reading iteration log for evaluation", zap.String("goal_id", in.GoalID), zap.Error(err))
	}
	prior, err := e.logs.ReadEvaluations(in.GoalID, verdictWindow)
	if err != nil {
		e.logger.Warn("reading evaluation log", zap.String("goal_id", in.GoalID), zap.Error(err))
	}

	key := executor.GoalEvalKey(in.GoalID, in.Iteration)
	prompt := GoalPrompt(in, iterations, prior)

	start := time.Now()
	res := e.exec.RunIsolatedTurn(ctx, executor.TurnRequest{SessionKey: key, Prompt: prompt, AgentID: in.Model})
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	now := e.now().UTC()
	verdict, decodeErr := e.verdict(res, func(text string) (store.Evaluation, error) {
		return Decode(text, in.Criteria, now)
	})
	if decodeErr != nil {
		verdict = Fallback(in.Criteria, decodeErr, now)
	}
	verdict.Iteration = in.Iteration
	e.record(store.KindGoal, in.GoalID, in.Iteration, key, res, verdict, decodeErr, elapsed, now)

	return Result{Evaluation: verdict, Tokens: res.Tokens}, nil
}

// EvaluatePlan scores a plan's task results against its criteria.
func (e *Evaluator) EvaluatePlan(ctx context.Context, in PlanInput) (Result, error) {
	key := executor.PlanEvalKey(in.PlanID)

	start := time.Now()
	res := e.exec.RunIsolatedTurn(ctx, executor.TurnRequest{SessionKey: key, Prompt: PlanPrompt(in), AgentID: in.AgentID})
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	now := e.now().UTC()
	verdict, decodeErr := e.verdict(res, func(text string) (store.Evaluation, error) {
		return DecodeScore(text, in.Criteria, now)
	})
	if decodeErr != nil {
		verdict = Fallback(in.Criteria, decodeErr, now)
		verdict.ShouldContinue = false
	}
	e.record(store.KindPlan, in.PlanID, 0, key, res, verdict, decodeErr, elapsed, now)

	return Result{Evaluation: verdict, Tokens: res.Tokens}, nil
}

func (e *Evaluator) verdict(res executor.TurnResult, decode func(string) (store.Evaluation, error)) (store.Evaluation, error) {
	if !res.OK() {
		return store.Evaluation{}, fmt.Errorf("evaluation turn %s: %s", res.Status, res.Error)
	}
	return decode(res.Output)
}

func (e *Evaluator) record(kind store.Kind, id string, iteration int, key string, res executor.TurnResult, verdict store.Evaluation, decodeErr error, elapsed time.Duration, now time.Time) {
	entry := store.EvaluationEntry{
		Iteration:  iteration,
		SessionKey: key,
		Verdict:    &verdict,
		Fallback:   verdict.Fallback,
		RawOutput:  truncate(res.Output, maxRawOutput),
		Tokens:     res.Tokens,
		DurationMs: elapsed.Milliseconds(),
		At:         now,
	}
	if decodeErr != nil {
		entry.Error = decodeErr.Error()
		metrics.EvaluationFallbacks.Inc()
		e.logger.Warn("evaluation fell back",
			zap.String("execution_id", id),
			zap.Int("iteration", iteration),
			zap.Error(decodeErr),
		)
	}
	metrics.EvaluationScore.WithLabelValues(string(kind)).Observe(float64(verdict.Score))

	if err := e.logs.Append(kind, id, store.LogEvaluations, entry); err != nil {
		e.logger.Error("appending evaluation log", zap.String("execution_id", id), zap.Error(err))
	}
}

// GoalPrompt renders the scoring prompt for a goal.
func GoalPrompt(in GoalInput, iterations []store.IterationEntry, prior []store.EvaluationEntry) string {
	var b strings.Builder
	b.WriteString("You are evaluating progress toward an objective. Do not do any of the work yourself.\n\n")
	fmt.Fprintf(&b, "## Objective\n%s\n\n", in.Objective)
	writeCriteria(&b, in.Criteria)

	b.WriteString("## Recent iterations\n")
	if len(iterations) == 0 {
		b.WriteString("(none recorded)\n")
	}
	for _, it := range iterations {
		line := it.Summary
		if it.Status != string(executor.StatusOK) && it.Error != "" {
			line = "ERROR: " + it.Error
		}
		fmt.Fprintf(&b, "- iteration %d [%s]: %s\n", it.Iteration, it.Status, oneLine(line))
	}
	b.WriteString("\n")

	if len(prior) > 0 {
		b.WriteString("## Previous evaluations\n")
		for _, p := range prior {
			if p.Verdict == nil {
				continue
			}
			fmt.Fprintf(&b, "- iteration %d: score %d. %s\n", p.Iteration, p.Verdict.Score, oneLine(p.Verdict.Assessment))
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Response format
Reply with exactly one JSON object and nothing else:
{"progressScore": <0-100>, "assessment": "<short assessment>", "criteriaStatus": [{"met": <true|false>, "notes": "<optional>"}], "shouldContinue": <true|false>, "suggestedNextAction": "<next step>"}
List criteriaStatus in the same order as the criteria above. Set shouldContinue to false only when the objective is done or cannot be reached.
`)
	return b.String()
}

// PlanPrompt renders the final scoring prompt for a plan.
func PlanPrompt(in PlanInput) string {
	var b strings.Builder
	b.WriteString("You are evaluating the combined result of a decomposed plan. Do not do any of the work yourself.\n\n")
	fmt.Fprintf(&b, "## Objective\n%s\n\n", in.Objective)
	writeCriteria(&b, in.Criteria)

	b.WriteString("## Task results\n")
	for _, t := range in.Tasks {
		fmt.Fprintf(&b, "### %s: %s [%s]\n", t.ID, t.Title, t.Status)
		if t.Result != "" {
			b.WriteString(truncate(t.Result, 2000))
			b.WriteString("\n")
		}
	}
	b.WriteString(`
## Response format
Reply with exactly one JSON object and nothing else:
{"progressScore": <0-100>, "assessment": "<short assessment>", "criteriaStatus": [{"met": <true|false>, "notes": "<optional>"}]}
List criteriaStatus in the same order as the criteria above.
`)
	return b.String()
}

func writeCriteria(b *strings.Builder, criteria []string) {
	b.WriteString("## Acceptance criteria\n")
	if len(criteria) == 0 {
		b.WriteString("(none given)\n")
	}
	for i, c := range criteria {
		fmt.Fprintf(b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\n")
}

func oneLine(s string) string {
	return truncate(strings.Join(strings.Fields(s), " "), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
