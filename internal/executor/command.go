package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/fyrsmithlabs/overseer/internal/metrics"
	"github.com/fyrsmithlabs/overseer/internal/secrets"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/overseer/internal/executor"

// sessionNamespace derives stable worker session ids from session keys.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// waitDelay bounds how long a killed worker's children may hold its pipes.
const waitDelay = 2 * time.Second

// maxSummaryLen bounds the one-line summary kept in iteration logs.
const maxSummaryLen = 500

// SessionID returns the stable worker session id for a session key.
func SessionID(sessionKey string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(sessionKey)).String()
}

// commandResult is the JSON printed by the worker command.
type commandResult struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// CommandExecutor runs each turn as a child process. The prompt is written
// to stdin and the result JSON is read from stdout.
type CommandExecutor struct {
	command  string
	args     []string
	workDir  string
	timeout  time.Duration
	limiter  *rate.Limiter
	scrubber secrets.Scrubber
	logger   *zap.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// CommandOption configures a CommandExecutor.
type CommandOption func(*CommandExecutor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CommandOption {
	return func(e *CommandExecutor) { e.logger = l }
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t trace.Tracer) CommandOption {
	return func(e *CommandExecutor) { e.tracer = t }
}

// WithScrubber sets the scrubber applied to turn output.
func WithScrubber(s secrets.Scrubber) CommandOption {
	return func(e *CommandExecutor) { e.scrubber = s }
}

// NewCommandExecutor builds an executor from configuration. A zero rate
// limit disables limiting.
func NewCommandExecutor(cfg config.ExecutorConfig, opts ...CommandOption) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, errors.New("executor command is required")
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	e := &CommandExecutor{
		command:  cfg.Command,
		args:     append([]string(nil), cfg.Args...),
		workDir:  cfg.WorkDir,
		timeout:  cfg.Timeout.Duration(),
		limiter:  rate.NewLimiter(limit, burst),
		scrubber: secrets.Nop{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		locks:    make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunIsolatedTurn runs one turn. Turns sharing a session key run one at a
// time; the global limiter spaces out turns across all keys.
func (e *CommandExecutor) RunIsolatedTurn(ctx context.Context, req TurnRequest) TurnResult {
	ctx, span := e.tracer.Start(ctx, "overseer.turn", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("turn.role", Role(req.SessionKey)),
	))
	defer span.End()

	start := time.Now()
	res := e.run(ctx, req)
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("turn.status", string(res.Status)),
		attribute.Int64("turn.tokens", res.Tokens),
	)
	if res.Status == StatusError {
		span.SetStatus(codes.Error, res.Error)
	}
	metrics.RecordTurn(Role(req.SessionKey), string(res.Status), res.Duration, res.Tokens)

	e.logger.Debug("turn finished",
		zap.String("session_key", req.SessionKey),
		zap.String("status", string(res.Status)),
		zap.Int64("tokens", res.Tokens),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (e *CommandExecutor) run(ctx context.Context, req TurnRequest) TurnResult {
	unlock := e.lock(req.SessionKey)
	defer unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return TurnResult{Status: StatusSkipped, Error: fmt.Sprintf("rate limiter: %v", err)}
	}
	if err := ctx.Err(); err != nil {
		return TurnResult{Status: StatusSkipped, Error: err.Error()}
	}

	// A started turn is never killed by cancellation, only by the turn
	// timeout. Callers discard the result once their ctx is done.
	runCtx := context.WithoutCancel(ctx)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.command, e.args...)
	cmd.Dir = e.workDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"OVERSEER_SESSION_KEY="+req.SessionKey,
		"OVERSEER_SESSION_ID="+SessionID(req.SessionKey),
	)
	if req.AgentID != "" {
		cmd.Env = append(cmd.Env, "OVERSEER_AGENT_ID="+req.AgentID)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return TurnResult{Status: StatusError, Error: fmt.Sprintf("turn timed out after %s", e.timeout)}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return TurnResult{Status: StatusError, Error: e.scrub(fmt.Sprintf("%s: %v: %s", e.command, err, truncate(msg, maxSummaryLen)))}
	}

	return e.parse(stdout.Bytes())
}

// parse decodes the worker's result JSON. Output that is not JSON is taken
// verbatim with no token count.
func (e *CommandExecutor) parse(out []byte) TurnResult {
	var cr commandResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &cr); err != nil {
		text := e.scrub(strings.TrimSpace(string(out)))
		return TurnResult{Status: StatusOK, Output: text, Summary: summarize(text)}
	}

	text := e.scrub(cr.Result)
	res := TurnResult{
		Status:  StatusOK,
		Output:  text,
		Summary: summarize(text),
		Tokens:  cr.Usage.InputTokens + cr.Usage.OutputTokens,
	}
	if cr.IsError {
		res.Status = StatusError
		res.Error = truncate(text, maxSummaryLen)
	}
	return res
}

func (e *CommandExecutor) scrub(s string) string {
	return e.scrubber.Scrub(s).Scrubbed
}

// lock takes the per-key mutex and returns its release.
func (e *CommandExecutor) lock(key string) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &keyLock{}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}

// Role returns the session key prefix, used as a low-cardinality label.
func Role(sessionKey string) string {
	role, _, _ := strings.Cut(sessionKey, ":")
	return strings.ReplaceAll(role, "-", "_")
}

func summarize(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return truncate(line, maxSummaryLen)
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
