package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/overseer/internal/goal"
	"github.com/fyrsmithlabs/overseer/internal/plan"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"go.uber.org/zap"
)

// GoalSpec is a request to create a goal. Zero limits take the configured
// defaults.
type GoalSpec struct {
	Objective    string              `json:"objective"`
	Criteria     []string            `json:"criteria"`
	Budget       store.GoalBudget    `json:"budget"`
	EvalConfig   store.EvalConfig    `json:"eval_config"`
	QualityGates store.QualityGates  `json:"quality_gates"`
	AgentID      string              `json:"agent_id,omitempty"`
	Notify       *store.NotifyTarget `json:"notify,omitempty"`
}

// PlanSpec is a request to create a plan. Zero limits take the configured
// defaults.
type PlanSpec struct {
	Objective string              `json:"objective"`
	Criteria  []string            `json:"criteria"`
	Budget    store.PlanBudget    `json:"budget"`
	AgentID   string              `json:"agent_id,omitempty"`
	Notify    *store.NotifyTarget `json:"notify,omitempty"`
}

func (m *Manager) applyGoalDefaults(s *GoalSpec) {
	d := m.goalDef
	if s.Budget.MaxIterations == 0 {
		s.Budget.MaxIterations = d.MaxIterations
	}
	if s.Budget.MaxTokens == 0 {
		s.Budget.MaxTokens = d.MaxTokens
	}
	if s.Budget.MaxDuration == 0 {
		s.Budget.MaxDuration = d.MaxDuration
	}
	if s.Budget.MaxProviderUsagePercent == 0 {
		s.Budget.MaxProviderUsagePercent = d.MaxProviderUsagePercent
	}
	if s.EvalConfig.EvalEvery == 0 {
		s.EvalConfig.EvalEvery = d.EvalEvery
	}
	if s.EvalConfig.StallWindow == 0 {
		s.EvalConfig.StallWindow = d.StallWindow
	}
	if s.EvalConfig.MinProgressDelta == 0 {
		s.EvalConfig.MinProgressDelta = d.MinProgressDelta
	}
	if s.EvalConfig.MaxConsecutiveErrors == 0 {
		s.EvalConfig.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if s.QualityGates.Timeout == 0 {
		s.QualityGates.Timeout = d.GateTimeout
	}
	if s.QualityGates.TimeoutAction == "" {
		s.QualityGates.TimeoutAction = store.GateAction(strings.ToLower(d.GateTimeoutAction))
	}
	if s.QualityGates.TimeoutAction == "" {
		s.QualityGates.TimeoutAction = store.GateReject
	}
}

func (m *Manager) applyPlanDefaults(s *PlanSpec) {
	d := m.planDef
	if s.Budget.MaxTurns == 0 {
		s.Budget.MaxTurns = d.MaxTurns
	}
	if s.Budget.MaxTokens == 0 {
		s.Budget.MaxTokens = d.MaxTokens
	}
	if s.Budget.MaxDuration == 0 {
		s.Budget.MaxDuration = d.MaxDuration
	}
	if s.Budget.MaxProviderUsagePercent == 0 {
		s.Budget.MaxProviderUsagePercent = d.MaxProviderUsagePercent
	}
	if s.Budget.MaxConcurrency == 0 {
		s.Budget.MaxConcurrency = d.MaxConcurrency
	}
	if s.Budget.MaxRetries == 0 {
		s.Budget.MaxRetries = d.MaxRetries
	}
	if s.Budget.ReplanThreshold == 0 {
		s.Budget.ReplanThreshold = d.ReplanThreshold
	}
	if s.Budget.MaxReplans == 0 {
		s.Budget.MaxReplans = d.MaxReplans
	}
	plan.ApplyDefaults(&s.Budget)
}

// CreateGoal persists a new pending goal and starts its loop, or queues it
// when the goal cap is reached.
func (m *Manager) CreateGoal(ctx context.Context, spec GoalSpec) (*store.Goal, error) {
	if strings.TrimSpace(spec.Objective) == "" {
		return nil, fmt.Errorf("%w: objective is required", ErrInvalidRequest)
	}
	m.applyGoalDefaults(&spec)
	switch spec.QualityGates.TimeoutAction {
	case store.GateApprove, store.GateReject:
	default:
		return nil, fmt.Errorf("%w: timeout_action must be approve or reject, got %q", ErrInvalidRequest, spec.QualityGates.TimeoutAction)
	}
	for _, it := range spec.QualityGates.Iterations {
		if it < 1 {
			return nil, fmt.Errorf("%w: quality gate iterations start at 1, got %d", ErrInvalidRequest, it)
		}
	}

	g := &store.Goal{
		ID:           newID(),
		Objective:    spec.Objective,
		Criteria:     spec.Criteria,
		Status:       store.GoalPending,
		Budget:       spec.Budget,
		EvalConfig:   spec.EvalConfig,
		QualityGates: spec.QualityGates,
		AgentID:      spec.AgentID,
		Notify:       spec.Notify,
	}
	if err := m.store.Goals.Create(g); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "goal created", zap.String("goal_id", g.ID), zap.String("objective", g.Objective))

	if err := m.queue(ctx, store.KindGoal, g.ID); err != nil {
		return g, err
	}
	return g, nil
}

// StopGoal stops a goal and cancels its loop.
func (m *Manager) StopGoal(ctx context.Context, id string) (*store.Goal, error) {
	g, err := m.store.Goals.Update(id, func(g *store.Goal) error {
		switch g.Status {
		case store.GoalStopped, store.GoalBudgetExceeded:
			return fmt.Errorf("%w: goal %s is already %s", ErrInvalidTransition, id, g.Status)
		}
		g.Status = store.GoalStopped
		g.StopKind = store.StopOperator
		g.StopReason = "stopped by operator"
		g.PendingApproval = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.halt(ctx, store.KindGoal, id); err != nil {
		return g, err
	}
	m.logger.Info(ctx, "goal stopped by operator", zap.String("goal_id", id))
	m.operatorStopped(ctx, store.KindGoal, id, g.Objective, string(g.Status), g.StopKind, g.StopReason)
	return g, nil
}

// ResumeGoal resets a stopped or budget-exceeded goal to pending and starts
// it again. Non-zero fields of raise replace the goal's limits.
func (m *Manager) ResumeGoal(ctx context.Context, id string, raise store.GoalBudget) (*store.Goal, error) {
	g, err := m.store.Goals.Update(id, func(g *store.Goal) error {
		if !g.Status.Resumable() {
			return fmt.Errorf("%w: goal %s is %s", ErrInvalidTransition, id, g.Status)
		}
		if raise.MaxIterations > 0 {
			g.Budget.MaxIterations = raise.MaxIterations
		}
		if raise.MaxTokens > 0 {
			g.Budget.MaxTokens = raise.MaxTokens
		}
		if raise.MaxDuration > 0 {
			g.Budget.MaxDuration = raise.MaxDuration
		}
		if raise.MaxProviderUsagePercent > 0 {
			g.Budget.MaxProviderUsagePercent = raise.MaxProviderUsagePercent
		}
		if g.StopKind == store.StopStall {
			g.EvaluationScores = nil
		}
		g.Status = store.GoalPending
		g.StopKind = store.StopNone
		g.StopReason = ""
		g.Usage.ConsecutiveErrors = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "goal resumed", zap.String("goal_id", id), zap.Int("max_iterations", g.Budget.MaxIterations))
	return g, m.queue(ctx, store.KindGoal, id)
}

// ApproveGoal approves the gate a goal is paused at.
func (m *Manager) ApproveGoal(ctx context.Context, id string) (*store.Goal, error) {
	return m.resolveGate(ctx, id, true)
}

// RejectGoal rejects the gate a goal is paused at, stopping it.
func (m *Manager) RejectGoal(ctx context.Context, id string) (*store.Goal, error) {
	return m.resolveGate(ctx, id, false)
}

// resolveGate hands the decision to a waiting loop. With no waiter (the
// daemon restarted, or the loop has not re-armed yet) the decision is
// written to the store directly and the loop is restarted so it picks the
// new state up.
func (m *Manager) resolveGate(ctx context.Context, id string, approve bool) (*store.Goal, error) {
	if err := m.approvals.Resolve(id, approve); err == nil {
		m.logger.Info(ctx, "quality gate resolved", zap.String("goal_id", id), zap.Bool("approved", approve))
		return m.store.Goals.Get(id)
	}

	g, err := m.store.Goals.Update(id, func(g *store.Goal) error {
		if g.Status != store.GoalPaused || g.PendingApproval == nil {
			return fmt.Errorf("%w: goal %s is %s", goal.ErrNoPendingApproval, id, g.Status)
		}
		iteration := g.PendingApproval.Iteration
		g.PendingApproval = nil
		if approve {
			g.Status = store.GoalRunning
			if !g.GateApproved(iteration) {
				g.ApprovedGates = append(g.ApprovedGates, iteration)
			}
			return nil
		}
		g.Status = store.GoalStopped
		g.StopKind = store.StopRejected
		g.StopReason = fmt.Sprintf("quality gate before iteration %d rejected", iteration)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "quality gate resolved without a waiting loop", zap.String("goal_id", id), zap.Bool("approved", approve))

	if err := m.halt(ctx, store.KindGoal, id); err != nil {
		return g, err
	}
	if approve {
		return g, m.queue(ctx, store.KindGoal, id)
	}
	m.operatorStopped(ctx, store.KindGoal, id, g.Objective, string(g.Status), g.StopKind, g.StopReason)
	return g, nil
}

// GetGoal returns one goal.
func (m *Manager) GetGoal(_ context.Context, id string) (*store.Goal, error) {
	return m.store.Goals.Get(id)
}

// ListGoals returns every goal, oldest first.
func (m *Manager) ListGoals(_ context.Context) ([]*store.Goal, error) {
	return m.store.Goals.List()
}

// CreatePlan persists a new plan in planning and starts its loop, or
// queues it when the plan cap is reached.
func (m *Manager) CreatePlan(ctx context.Context, spec PlanSpec) (*store.Plan, error) {
	if strings.TrimSpace(spec.Objective) == "" {
		return nil, fmt.Errorf("%w: objective is required", ErrInvalidRequest)
	}
	m.applyPlanDefaults(&spec)
	if spec.Budget.ReplanThreshold > 1 {
		return nil, fmt.Errorf("%w: replan_threshold must be within (0,1], got %v", ErrInvalidRequest, spec.Budget.ReplanThreshold)
	}

	p := &store.Plan{
		ID:        newID(),
		Objective: spec.Objective,
		Criteria:  spec.Criteria,
		Status:    store.PlanPlanning,
		Budget:    spec.Budget,
		AgentID:   spec.AgentID,
		Notify:    spec.Notify,
	}
	if err := m.store.Plans.Create(p); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "plan created", zap.String("plan_id", p.ID), zap.String("objective", p.Objective))

	if err := m.queue(ctx, store.KindPlan, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// StopPlan stops a plan and cancels its loop.
func (m *Manager) StopPlan(ctx context.Context, id string) (*store.Plan, error) {
	p, err := m.store.Plans.Update(id, func(p *store.Plan) error {
		if p.Status == store.PlanStopped {
			return fmt.Errorf("%w: plan %s is already stopped", ErrInvalidTransition, id)
		}
		p.Status = store.PlanStopped
		p.StopKind = store.StopOperator
		p.StopReason = "stopped by operator"
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.halt(ctx, store.KindPlan, id); err != nil {
		return p, err
	}
	m.logger.Info(ctx, "plan stopped by operator", zap.String("plan_id", id))
	m.operatorStopped(ctx, store.KindPlan, id, p.Objective, string(p.Status), p.StopKind, p.StopReason)
	return p, nil
}

// ResumePlan restarts a stopped plan where it left off. Non-zero fields of
// raise replace the plan's limits.
func (m *Manager) ResumePlan(ctx context.Context, id string, raise store.PlanBudget) (*store.Plan, error) {
	p, err := m.store.Plans.Update(id, func(p *store.Plan) error {
		if p.Status != store.PlanStopped {
			return fmt.Errorf("%w: plan %s is %s", ErrInvalidTransition, id, p.Status)
		}
		if raise.MaxTurns > 0 {
			p.Budget.MaxTurns = raise.MaxTurns
		}
		if raise.MaxTokens > 0 {
			p.Budget.MaxTokens = raise.MaxTokens
		}
		if raise.MaxDuration > 0 {
			p.Budget.MaxDuration = raise.MaxDuration
		}
		if raise.MaxProviderUsagePercent > 0 {
			p.Budget.MaxProviderUsagePercent = raise.MaxProviderUsagePercent
		}
		if raise.MaxReplans > 0 {
			p.Budget.MaxReplans = raise.MaxReplans
		}

		p.Status = store.PlanExecuting
		if len(p.Tasks) == 0 {
			p.Status = store.PlanPlanning
		}
		for i := range p.Tasks {
			if p.Tasks[i].Status == store.TaskRunning {
				p.Tasks[i].Status = store.TaskPending
			}
		}
		p.StopKind = store.StopNone
		p.StopReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "plan resumed", zap.String("plan_id", id), zap.String("status", string(p.Status)))
	return p, m.queue(ctx, store.KindPlan, id)
}

// GetPlan returns one plan.
func (m *Manager) GetPlan(_ context.Context, id string) (*store.Plan, error) {
	return m.store.Plans.Get(id)
}

// ListPlans returns every plan, oldest first.
func (m *Manager) ListPlans(_ context.Context) ([]*store.Plan, error) {
	return m.store.Plans.List()
}

// IsNotFound reports whether err means the execution does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
