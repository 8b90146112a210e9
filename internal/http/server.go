// Package http provides the HTTP control surface for overseer.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/goal"
	"github.com/fyrsmithlabs/overseer/internal/manager"
	"github.com/fyrsmithlabs/overseer/internal/plan"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Control is the operator surface the server exposes. *manager.Manager
// implements it.
type Control interface {
	CreateGoal(ctx context.Context, spec manager.GoalSpec) (*store.Goal, error)
	GetGoal(ctx context.Context, id string) (*store.Goal, error)
	ListGoals(ctx context.Context) ([]*store.Goal, error)
	StopGoal(ctx context.Context, id string) (*store.Goal, error)
	ResumeGoal(ctx context.Context, id string, raise store.GoalBudget) (*store.Goal, error)
	ApproveGoal(ctx context.Context, id string) (*store.Goal, error)
	RejectGoal(ctx context.Context, id string) (*store.Goal, error)

	CreatePlan(ctx context.Context, spec manager.PlanSpec) (*store.Plan, error)
	GetPlan(ctx context.Context, id string) (*store.Plan, error)
	ListPlans(ctx context.Context) ([]*store.Plan, error)
	StopPlan(ctx context.Context, id string) (*store.Plan, error)
	ResumePlan(ctx context.Context, id string, raise store.PlanBudget) (*store.Plan, error)
}

var _ Control = (*manager.Manager)(nil)

const defaultLogTail = 50

// Server provides HTTP endpoints for overseer.
type Server struct {
	echo    *echo.Echo
	control Control
	logs    *store.Logs
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Meter receives request metrics. Nil uses the global provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server. logs may be nil, in which case the
// log endpoints answer 404.
func NewServer(control Control, logs *store.Logs, logger *zap.Logger, cfg *Config) (*Server, error) {
	if control == nil {
		return nil, fmt.Errorf("control cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9470,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	e.Use(newRequestMetrics(meter, logger).middleware())

	s := &Server{
		echo:    e,
		control: control,
		logs:    logs,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	goals := v1.Group("/goals")
	goals.POST("", s.handleCreateGoal)
	goals.GET("", s.handleListGoals)
	goals.GET("/:id", s.handleGetGoal)
	goals.POST("/:id/stop", s.handleStopGoal)
	goals.POST("/:id/resume", s.handleResumeGoal)
	goals.POST("/:id/approve", s.handleApproveGoal)
	goals.POST("/:id/reject", s.handleRejectGoal)
	goals.GET("/:id/logs/:name", s.handleLog(store.KindGoal))

	plans := v1.Group("/plans")
	plans.POST("", s.handleCreatePlan)
	plans.GET("", s.handleListPlans)
	plans.GET("/:id", s.handleGetPlan)
	plans.POST("/:id/stop", s.handleStopPlan)
	plans.POST("/:id/resume", s.handleResumePlan)
	plans.GET("/:id/logs/:name", s.handleLog(store.KindPlan))
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateGoal(c echo.Context) error {
	var spec manager.GoalSpec
	if err := c.Bind(&spec); err != nil {
		s.logger.Warn("invalid goal request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	g, err := s.control.CreateGoal(c.Request().Context(), spec)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (s *Server) handleListGoals(c echo.Context) error {
	goals, err := s.control.ListGoals(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := goals[:0]
		for _, g := range goals {
			if string(g.Status) == status {
				filtered = append(filtered, g)
			}
		}
		goals = filtered
	}
	return c.JSON(http.StatusOK, GoalList{Goals: goals})
}

func (s *Server) handleGetGoal(c echo.Context) error {
	g, err := s.control.GetGoal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleStopGoal(c echo.Context) error {
	g, err := s.control.StopGoal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleResumeGoal(c echo.Context) error {
	var req ResumeGoalRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	g, err := s.control.ResumeGoal(c.Request().Context(), c.Param("id"), req.Budget)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleApproveGoal(c echo.Context) error {
	g, err := s.control.ApproveGoal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleRejectGoal(c echo.Context) error {
	g, err := s.control.RejectGoal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleCreatePlan(c echo.Context) error {
	var spec manager.PlanSpec
	if err := c.Bind(&spec); err != nil {
		s.logger.Warn("invalid plan request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := s.control.CreatePlan(c.Request().Context(), spec)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPlans(c echo.Context) error {
	plans, err := s.control.ListPlans(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := plans[:0]
		for _, p := range plans {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		plans = filtered
	}
	return c.JSON(http.StatusOK, PlanList{Plans: plans})
}

func (s *Server) handleGetPlan(c echo.Context) error {
	p, err := s.control.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleStopPlan(c echo.Context) error {
	p, err := s.control.StopPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleResumePlan(c echo.Context) error {
	var req ResumePlanRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	p, err := s.control.ResumePlan(c.Request().Context(), c.Param("id"), req.Budget)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

var logNames = map[store.Kind][]store.LogName{
	store.KindGoal: {store.LogIterations, store.LogEvaluations},
	store.KindPlan: {store.LogTasks},
}

// handleLog returns the tail of one of an execution's logs.
func (s *Server) handleLog(kind store.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.logs == nil {
			return echo.NewHTTPError(http.StatusNotFound, "logs are not available")
		}
		name := store.LogName(c.Param("name"))
		known := false
		for _, n := range logNames[kind] {
			known = known || n == name
		}
		if !known {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s has no %q log", kind, name))
		}

		tail := defaultLogTail
		if v := c.QueryParam("tail"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "tail must be a non-negative integer")
			}
			tail = n
		}

		id := c.Param("id")
		ctx := c.Request().Context()
		var err error
		if kind == store.KindGoal {
			_, err = s.control.GetGoal(ctx, id)
		} else {
			_, err = s.control.GetPlan(ctx, id)
		}
		if err != nil {
			return s.fail(c, err)
		}

		entries, err := s.logs.ReadTail(kind, id, name, tail)
		if err != nil {
			return s.fail(c, err)
		}
		if entries == nil {
			entries = []json.RawMessage{}
		}
		return c.JSON(http.StatusOK, LogResponse{Entries: entries})
	}
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrInvalidRequest), errors.Is(err, plan.ErrInvalidDAG):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrImmutable),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, goal.ErrNoPendingApproval),
		errors.Is(err, manager.ErrAtCapacity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, manager.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	s.logger.Error("request failed",
		zap.String("uri", c.Request().RequestURI),
		zap.Error(err),
	)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
