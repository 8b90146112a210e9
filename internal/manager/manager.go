// Package manager owns the set of running goal and plan loops.
//
// It resumes persisted executions on start, enforces per-kind concurrency
// caps, exposes the operator control surface and cancels every loop on
// shutdown. Loops are tracked in a single registry keyed by kind and id;
// nothing else holds a reference to a running loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/fyrsmithlabs/overseer/internal/events"
	"github.com/fyrsmithlabs/overseer/internal/goal"
	"github.com/fyrsmithlabs/overseer/internal/logging"
	"github.com/fyrsmithlabs/overseer/internal/metrics"
	"github.com/fyrsmithlabs/overseer/internal/plan"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRescanInterval = 30 * time.Second

var (
	// ErrAtCapacity is returned when a kind's concurrency cap is reached.
	ErrAtCapacity = errors.New("maximum concurrent executions reached")
	// ErrShuttingDown is returned when launching after Shutdown.
	ErrShuttingDown = errors.New("manager is shutting down")
	// ErrInvalidRequest wraps malformed create requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition is returned when an operator action does not
	// apply to the execution's current status.
	ErrInvalidTransition = store.ErrInvalidTransition
)

// Runner drives one execution until it leaves the running states or ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, id string) error
}

// Options configures a Manager.
type Options struct {
	Store     *store.Store
	Goals     Runner
	Plans     Runner
	Approvals *goal.Approvals
	Events    events.Bus
	Logger    *logging.Logger

	Engine       config.EngineConfig
	GoalDefaults config.GoalDefaults
	PlanDefaults config.PlanDefaults
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the registry of active loops and the control surface.
type Manager struct {
	store     *store.Store
	goals     Runner
	plans     Runner
	approvals *goal.Approvals
	events    events.Bus
	logger    *logging.Logger
	cfg       config.EngineConfig
	goalDef   config.GoalDefaults
	planDef   config.PlanDefaults

	base   context.Context
	stop   context.CancelFunc
	group  errgroup.Group
	wake   chan struct{}
	closed bool

	mu     sync.Mutex
	active map[string]*loop
	counts map[store.Kind]int
}

// New builds a Manager. Nothing runs until Start or a control call.
func New(opts Options) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		store:     opts.Store,
		goals:     opts.Goals,
		plans:     opts.Plans,
		approvals: opts.Approvals,
		events:    opts.Events,
		logger:    opts.Logger,
		cfg:       opts.Engine,
		goalDef:   opts.GoalDefaults,
		planDef:   opts.PlanDefaults,
		base:      base,
		stop:      stop,
		wake:      make(chan struct{}, 1),
		active:    make(map[string]*loop),
		counts:    make(map[store.Kind]int),
	}
	if m.approvals == nil {
		m.approvals = goal.NewApprovals()
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.logger == nil {
		m.logger = logging.NewNop()
	}
	if m.cfg.MaxConcurrentGoals < 1 {
		m.cfg.MaxConcurrentGoals = 1
	}
	if m.cfg.MaxConcurrentPlans < 1 {
		m.cfg.MaxConcurrentPlans = 1
	}
	return m
}

// Start resumes every persisted execution that should be running, up to
// the caps, and keeps rescanning for the rest until ctx is done or
// Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.scan(); err != nil {
		return err
	}

	interval := m.cfg.RescanInterval.Duration()
	if interval <= 0 {
		interval = defaultRescanInterval
	}
	m.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-m.base.Done():
				return nil
			case <-ticker.C:
			case <-m.wake:
			}
			if err := m.scan(); err != nil {
				m.logger.Error(ctx, "rescanning executions", zap.Error(err))
			}
		}
	})
	return nil
}

// scan launches persisted executions that should have a loop.
func (m *Manager) scan() error {
	goals, err := m.store.Goals.List()
	if err != nil {
		return fmt.Errorf("listing goals: %w", err)
	}
	for _, g := range goals {
		if !goalWantsLoop(g) {
			continue
		}
		if err := m.launch(store.KindGoal, g.ID); err != nil {
			if errors.Is(err, ErrAtCapacity) {
				break
			}
			return err
		}
	}

	plans, err := m.store.Plans.List()
	if err != nil {
		return fmt.Errorf("listing plans: %w", err)
	}
	for _, p := range plans {
		if !p.Status.Active() {
			continue
		}
		if err := m.launch(store.KindPlan, p.ID); err != nil {
			if errors.Is(err, ErrAtCapacity) {
				break
			}
			return err
		}
	}
	return nil
}

func goalWantsLoop(g *store.Goal) bool {
	switch g.Status {
	case store.GoalPending, store.GoalRunning, store.GoalEvaluating:
		return true
	case store.GoalPaused:
		return g.PendingApproval != nil
	}
	return false
}

func key(kind store.Kind, id string) string {
	return string(kind) + ":" + id
}

// launch starts a loop for the execution unless one is already running.
func (m *Manager) launch(kind store.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShuttingDown
	}
	k := key(kind, id)
	if _, ok := m.active[k]; ok {
		return nil
	}
	limit, runner := m.cfg.MaxConcurrentGoals, m.goals
	if kind == store.KindPlan {
		limit, runner = m.cfg.MaxConcurrentPlans, m.plans
	}
	if m.counts[kind] >= limit {
		return fmt.Errorf("%w: %d %ss running", ErrAtCapacity, m.counts[kind], kind)
	}

	ctx, cancel := context.WithCancel(m.base)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	m.active[k] = l
	m.counts[kind]++
	metrics.ActiveExecutions.WithLabelValues(string(kind)).Inc()

	m.group.Go(func() error {
		defer m.release(kind, k, l)
		ctx = logging.WithExecution(ctx, string(kind), id)
		m.logger.Info(ctx, "execution loop started")
		if err := runner.Run(ctx, id); err != nil {
			m.logger.Error(ctx, "execution loop ended with error", zap.Error(err))
			return nil
		}
		m.logger.Info(ctx, "execution loop ended")
		return nil
	})
	return nil
}

func (m *Manager) release(kind store.Kind, k string, l *loop) {
	m.mu.Lock()
	if m.active[k] == l {
		delete(m.active, k)
		m.counts[kind]--
	}
	m.mu.Unlock()

	l.cancel()
	close(l.done)
	metrics.ActiveExecutions.WithLabelValues(string(kind)).Dec()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// halt cancels the execution's loop, if any, and waits for it to return.
func (m *Manager) halt(ctx context.Context, kind store.Kind, id string) error {
	m.mu.Lock()
	l, ok := m.active[key(kind, id)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the execution has a loop.
func (m *Manager) Running(kind store.Kind, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key(kind, id)]
	return ok
}

// ActiveCount returns how many loops of kind are running.
func (m *Manager) ActiveCount(kind store.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[kind]
}

// Shutdown cancels every loop and waits for them to return, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	n := len(m.active)
	m.mu.Unlock()

	m.logger.Info(ctx, "shutting down execution loops", zap.Int("active", n))
	m.stop()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for execution loops: %w", ctx.Err())
	}
}

// queue launches an execution, leaving it persisted for the rescan when
// the cap is reached.
func (m *Manager) queue(ctx context.Context, kind store.Kind, id string) error {
	err := m.launch(kind, id)
	if errors.Is(err, ErrAtCapacity) {
		m.logger.Info(ctx, "at capacity, execution queued", zap.String("kind", string(kind)), zap.String("id", id))
		return nil
	}
	return err
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// operatorStopped records an execution stopped from the control surface
// rather than by its own loop.
func (m *Manager) operatorStopped(ctx context.Context, kind store.Kind, id, objective, status string, stopKind store.StopKind, reason string) {
	metrics.RecordFinished(string(kind), status, string(stopKind))
	m.events.Publish(ctx, events.Event{
		Type:        events.Stopped,
		Kind:        kind,
		ExecutionID: id,
		Objective:   objective,
		Status:      status,
		StopKind:    stopKind,
		Reason:      reason,
	})
}

var _ Runner = (*goal.Engine)(nil)
var _ Runner = (*plan.Engine)(nil)
