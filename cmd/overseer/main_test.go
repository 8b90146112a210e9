package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/overseer/internal/config"
	ovhttp "github.com/fyrsmithlabs/overseer/internal/http"
	"github.com/fyrsmithlabs/overseer/internal/manager"
	"github.com/fyrsmithlabs/overseer/internal/store"
)

// idleRunner parks every loop until it is cancelled.
type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

// testURL is the httptest server the CLI under test talks to.
var testURL string

type harness struct {
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	m := manager.New(manager.Options{
		Store: st,
		Goals: idleRunner{},
		Plans: idleRunner{},
		Engine: config.EngineConfig{
			MaxConcurrentGoals: 4,
			MaxConcurrentPlans: 4,
			RescanInterval:     config.Duration(time.Hour),
		},
		GoalDefaults: config.GoalDefaults{MaxIterations: 20, GateTimeoutAction: "reject"},
		PlanDefaults: config.PlanDefaults{MaxTurns: 40},
	})
	srv, err := ovhttp.NewServer(m, st.Logs, zap.NewNop(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	testURL = ts.URL
	return &harness{store: st}
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--server", testURL))
	err := root.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	newHarness(t)

	out, err := execute(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestGoalCommands(t *testing.T) {
	h := newHarness(t)

	out, err := execute(t, "goal", "create", "Add pagination",
		"--criterion", "page param", "--criterion", "size param",
		"--max-iterations", "7", "--gate", "3", "--json")
	require.NoError(t, err)

	var created store.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "Add pagination", created.Objective)
	assert.Equal(t, []string{"page param", "size param"}, created.Criteria)
	assert.Equal(t, 7, created.Budget.MaxIterations)
	assert.Equal(t, []int{3}, created.QualityGates.Iterations)

	out, err = execute(t, "goal", "list")
	require.NoError(t, err)
	assert.Contains(t, out, created.ID)
	assert.Contains(t, out, "0/7")

	out, err = execute(t, "goal", "stop", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     stopped")
	assert.Contains(t, out, "operator")

	out, err = execute(t, "goal", "resume", created.ID, "--max-iterations", "12")
	require.NoError(t, err)
	assert.Contains(t, out, "Iterations: 0/12")

	stored, err := h.store.Goals.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, stored.Budget.MaxIterations)
}

func TestGoalCommands_ServerErrors(t *testing.T) {
	newHarness(t)

	_, err := execute(t, "goal", "get", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = execute(t, "goal", "approve", "missing")
	require.Error(t, err)

	_, err = execute(t, "goal", "create", "  ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPlanCommands(t *testing.T) {
	newHarness(t)

	out, err := execute(t, "plan", "create", "Split billing", "--max-concurrency", "2", "--json")
	require.NoError(t, err)

	var created store.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, 2, created.Budget.MaxConcurrency)

	out, err = execute(t, "plan", "get", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Split billing")
	assert.Contains(t, out, "0/0 completed")

	out, err = execute(t, "plan", "stop", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	out, err = execute(t, "plan", "list", "--status", "stopped")
	require.NoError(t, err)
	assert.Contains(t, out, created.ID)
}

func TestLogsTail(t *testing.T) {
	h := newHarness(t)

	_, err := execute(t, "goal", "create", "Logged goal", "--json")
	require.NoError(t, err)
	goals, err := h.store.Goals.List()
	require.NoError(t, err)
	require.Len(t, goals, 1)
	id := goals[0].ID

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.store.Logs.Append(store.KindGoal, id, store.LogIterations,
			store.IterationEntry{Iteration: i, Status: "ok"}))
	}

	out, err := execute(t, "logs", "goal", id, "iterations", "--tail", "2", "--json")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 2)

	var last store.IterationEntry
	require.NoError(t, json.Unmarshal(lines[1], &last))
	assert.Equal(t, 3, last.Iteration)
}

// syncBuffer is a bytes.Buffer safe for one writer and one poller.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestRootCmd_Commands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"health", "goal", "plan", "logs"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestParseLogArgs(t *testing.T) {
	tests := []struct {
		kind, name string
		wantKind   store.Kind
		wantErr    bool
	}{
		{"goal", "iterations", store.KindGoal, false},
		{"goal", "evaluations", store.KindGoal, false},
		{"goal", "tasks", "", true},
		{"plan", "tasks", store.KindPlan, false},
		{"plan", "iterations", "", true},
		{"task", "tasks", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.name, func(t *testing.T) {
			kind, _, err := parseLogArgs(tt.kind, tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestFollowLog(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.Logs.Append(store.KindPlan, "p1", store.LogTasks, map[string]string{"task": "t1"}))

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- followLog(ctx, &out, dir, store.KindPlan, "p1", store.LogTasks) }()

	require.Eventually(t, func() bool { return bytes.Contains(out.Bytes(), []byte("t1")) }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, st.Logs.Append(store.KindPlan, "p1", store.LogTasks, map[string]string{"task": "t2"}))
	require.Eventually(t, func() bool { return bytes.Contains(out.Bytes(), []byte("t2")) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "make th...", truncate("make the build green", 10))

	s := strings.Repeat("ö", 10)
	for n := 0; n < len(s); n++ {
		assert.True(t, utf8.ValidString(truncate(s, n)), "n=%d", n)
	}
	assert.Equal(t, "ö...", truncate(s, 6))
}
