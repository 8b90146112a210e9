package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/goal"
	"github.com/fyrsmithlabs/overseer/internal/manager"
	"github.com/fyrsmithlabs/overseer/internal/plan"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// idleRunner stands in for an engine and just holds its slot.
type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

func setupTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	m := manager.New(manager.Options{Store: s, Goals: idleRunner{}, Plans: idleRunner{}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	server, err := NewServer(m, s.Logs, zap.NewNop(), nil)
	require.NoError(t, err)
	return server, s
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		m := manager.New(manager.Options{Store: s, Goals: idleRunner{}, Plans: idleRunner{}})

		cfg := &Config{
			Host: "localhost",
			Port: 9470,
		}

		server, err := NewServer(m, s.Logs, zap.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server)
		assert.NotNil(t, server.Echo())
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, _ := setupTestServer(t)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9470, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		m := manager.New(manager.Options{Store: s})

		_, err = NewServer(m, nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when control is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "control cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/goals", map[string]any{"objective": "warm up the gauges"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "overseer_")
}

func TestGoalEndpoints(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/goals", map[string]any{
		"objective": "document the public API",
		"criteria":  []string{"every exported symbol has a doc comment"},
		"budget":    map[string]any{"max_iterations": 4},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[store.Goal](t, rec)
	assert.Equal(t, store.GoalPending, created.Status)
	assert.Equal(t, 4, created.Budget.MaxIterations)

	t.Run("get", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/goals/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, created.ID, decode[store.Goal](t, rec).ID)
	})

	t.Run("list with status filter", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/goals", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[GoalList](t, rec).Goals, 1)

		rec = do(t, server, http.MethodGet, "/api/v1/goals?status=completed", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[GoalList](t, rec).Goals)
	})

	t.Run("approve without pending gate conflicts", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/approve", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("stop then stop again", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/stop", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		g := decode[store.Goal](t, rec)
		assert.Equal(t, store.GoalStopped, g.Status)
		assert.Equal(t, store.StopOperator, g.StopKind)

		rec = do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/stop", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("resume raises budget", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/resume", ResumeGoalRequest{
			Budget: store.GoalBudget{MaxIterations: 12},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		g := decode[store.Goal](t, rec)
		assert.Equal(t, store.GoalPending, g.Status)
		assert.Equal(t, 12, g.Budget.MaxIterations)
	})

	t.Run("resume without body", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/stop", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, server, http.MethodPost, "/api/v1/goals/"+created.ID+"/resume", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 12, decode[store.Goal](t, rec).Budget.MaxIterations)
	})

	t.Run("unknown goal", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/goals/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, server, http.MethodPost, "/api/v1/goals/nope/reject", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid create", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/goals", map[string]any{"objective": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Message, "objective is required")

		rec = do(t, server, http.MethodPost, "/api/v1/goals", "invalid json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPlanEndpoints(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/plans", map[string]any{
		"objective": "split the monolith's billing module",
		"budget":    map[string]any{"max_turns": 30},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[store.Plan](t, rec)
	assert.Equal(t, store.PlanPlanning, created.Status)
	assert.Equal(t, 30, created.Budget.MaxTurns)
	assert.Equal(t, plan.DefaultMaxConcurrency, created.Budget.MaxConcurrency)

	rec = do(t, server, http.MethodGet, "/api/v1/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[PlanList](t, rec).Plans, 1)

	rec = do(t, server, http.MethodPost, "/api/v1/plans/"+created.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.PlanStopped, decode[store.Plan](t, rec).Status)

	rec = do(t, server, http.MethodPost, "/api/v1/plans/"+created.ID+"/resume", ResumePlanRequest{Budget: store.PlanBudget{MaxTurns: 60}})
	require.Equal(t, http.StatusOK, rec.Code)
	resumed := decode[store.Plan](t, rec)
	assert.Equal(t, store.PlanPlanning, resumed.Status)
	assert.Equal(t, 60, resumed.Budget.MaxTurns)

	rec = do(t, server, http.MethodPost, "/api/v1/plans/"+created.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/plans/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/plans", map[string]any{"objective": "x", "budget": map[string]any{"replan_threshold": 2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogEndpoints(t *testing.T) {
	server, s := setupTestServer(t)
	require.NoError(t, s.Goals.Create(&store.Goal{ID: "g1", Objective: "o", Status: store.GoalStopped}))
	require.NoError(t, s.Plans.Create(&store.Plan{ID: "p1", Objective: "o", Status: store.PlanStopped}))
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Logs.Append(store.KindGoal, "g1", store.LogIterations, store.IterationEntry{Iteration: i, Status: "ok"}))
	}
	require.NoError(t, s.Logs.Append(store.KindPlan, "p1", store.LogTasks, store.TaskEntry{TaskID: "a", Event: "completed"}))

	tests := []struct {
		name    string
		path    string
		code    int
		entries int
	}{
		{name: "default tail", path: "/api/v1/goals/g1/logs/iterations", code: http.StatusOK, entries: 3},
		{name: "tail 1", path: "/api/v1/goals/g1/logs/iterations?tail=1", code: http.StatusOK, entries: 1},
		{name: "empty log", path: "/api/v1/goals/g1/logs/evaluations", code: http.StatusOK, entries: 0},
		{name: "plan tasks", path: "/api/v1/plans/p1/logs/tasks", code: http.StatusOK, entries: 1},
		{name: "wrong log for kind", path: "/api/v1/goals/g1/logs/tasks", code: http.StatusNotFound},
		{name: "unknown execution", path: "/api/v1/plans/zz/logs/tasks", code: http.StatusNotFound},
		{name: "bad tail", path: "/api/v1/goals/g1/logs/iterations?tail=abc", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			resp := decode[LogResponse](t, rec)
			assert.Len(t, resp.Entries, tt.entries)
		})
	}

	rec := do(t, server, http.MethodGet, "/api/v1/goals/g1/logs/iterations?tail=1", nil)
	resp := decode[LogResponse](t, rec)
	var last store.IterationEntry
	require.NoError(t, json.Unmarshal(resp.Entries[0], &last))
	assert.Equal(t, 3, last.Iteration)
}

func TestFail_MapsDomainErrors(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: goal x", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: goal x is completed", store.ErrImmutable), http.StatusConflict},
		{fmt.Errorf("%w: x", store.ErrInvalidTransition), http.StatusConflict},
		{goal.ErrNoPendingApproval, http.StatusConflict},
		{manager.ErrAtCapacity, http.StatusConflict},
		{fmt.Errorf("%w: objective is required", manager.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: cycle", plan.ErrInvalidDAG), http.StatusBadRequest},
		{manager.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			c := server.echo.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			err := server.fail(c, tt.err)
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.code, he.Code)
		})
	}
}
