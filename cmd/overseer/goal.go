package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/overseer/internal/config"
	ovhttp "github.com/fyrsmithlabs/overseer/internal/http"
	"github.com/fyrsmithlabs/overseer/internal/manager"
	"github.com/fyrsmithlabs/overseer/internal/store"
)

func newGoalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Create and control goals",
		Long: `A goal is an objective worked on by one agent, one iteration at a time,
until the evaluator judges it achieved or a budget is exhausted.`,
	}
	cmd.AddCommand(
		newGoalCreateCmd(),
		newGoalListCmd(),
		newGoalGetCmd(),
		newGoalActionCmd("stop", "Stop a goal", "stop"),
		newGoalResumeCmd(),
		newGoalActionCmd("approve", "Approve a goal's pending quality gate", "approve"),
		newGoalActionCmd("reject", "Reject a goal's pending quality gate and stop it", "reject"),
	)
	return cmd
}

func newGoalCreateCmd() *cobra.Command {
	var (
		spec          manager.GoalSpec
		maxDuration   time.Duration
		gateTimeout   time.Duration
		gateAction    string
		notifyChannel string
		recipient     string
	)
	cmd := &cobra.Command{
		Use:   "create <objective>",
		Short: "Create a goal and start it",
		Long: `Create a goal and start it. Unset limits take the daemon's defaults.

Examples:
  # Criteria are repeatable
  overseer goal create "Add pagination to /users" \
    --criterion "endpoint accepts page and size" \
    --criterion "tests cover empty pages" \
    --max-iterations 10

  # Require approval before iterations 3 and 6
  overseer goal create "Migrate the schema" --gate 3 --gate 6 --gate-timeout 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Objective = args[0]
			spec.Budget.MaxDuration = config.Duration(maxDuration)
			spec.QualityGates.Timeout = config.Duration(gateTimeout)
			spec.QualityGates.TimeoutAction = store.GateAction(strings.ToLower(gateAction))
			if notifyChannel != "" || recipient != "" {
				spec.Notify = &store.NotifyTarget{Channel: notifyChannel, Recipient: recipient}
			}

			var g store.Goal
			if err := newClient(30*time.Second).do(http.MethodPost, "/api/v1/goals", spec, &g); err != nil {
				return err
			}
			return printGoal(cmd.OutOrStdout(), &g)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&spec.Criteria, "criterion", nil, "acceptance criterion (repeatable)")
	f.IntVar(&spec.Budget.MaxIterations, "max-iterations", 0, "iteration budget")
	f.Int64Var(&spec.Budget.MaxTokens, "max-tokens", 0, "token budget")
	f.DurationVar(&maxDuration, "max-duration", 0, "wall-clock budget")
	f.Float64Var(&spec.Budget.MaxProviderUsagePercent, "max-usage", 0, "stop when provider usage reaches this percent")
	f.IntVar(&spec.EvalConfig.EvalEvery, "eval-every", 0, "evaluate every N iterations")
	f.StringVar(&spec.EvalConfig.EvaluatorModel, "evaluator-model", "", "model hint for the evaluator")
	f.IntVar(&spec.EvalConfig.StallWindow, "stall-window", 0, "evaluations compared for stall detection")
	f.IntVar(&spec.EvalConfig.MinProgressDelta, "min-progress", 0, "minimum score gain across the stall window")
	f.IntVar(&spec.EvalConfig.MaxConsecutiveErrors, "max-errors", 0, "consecutive failed iterations before stopping")
	f.IntSliceVar(&spec.QualityGates.Iterations, "gate", nil, "iteration that requires approval (repeatable)")
	f.DurationVar(&gateTimeout, "gate-timeout", 0, "how long a gate waits for a decision")
	f.StringVar(&gateAction, "gate-timeout-action", "", "approve or reject when a gate times out")
	f.StringVar(&spec.AgentID, "agent", "", "agent identifier")
	f.StringVar(&notifyChannel, "notify-channel", "", "notification channel")
	f.StringVar(&recipient, "notify-recipient", "", "notification recipient")
	return cmd
}

func newGoalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/goals"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var list ovhttp.GoalList
			if err := newClient(10*time.Second).do(http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), list)
			}
			if len(list.Goals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No goals.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tITER\tSCORE\tOBJECTIVE")
			for _, g := range list.Goals {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					g.ID, g.Status, g.Usage.Iterations, g.Budget.MaxIterations, lastScore(g), truncate(g.Objective, 50))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show goals in this status")
	return cmd
}

func newGoalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var g store.Goal
			if err := newClient(10*time.Second).do(http.MethodGet, "/api/v1/goals/"+url.PathEscape(args[0]), nil, &g); err != nil {
				return err
			}
			return printGoal(cmd.OutOrStdout(), &g)
		},
	}
}

// newGoalActionCmd builds the body-less POST /goals/:id/<action> commands.
func newGoalActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var g store.Goal
			path := "/api/v1/goals/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient(30*time.Second).do(http.MethodPost, path, nil, &g); err != nil {
				return err
			}
			return printGoal(cmd.OutOrStdout(), &g)
		},
	}
}

func newGoalResumeCmd() *cobra.Command {
	var (
		req         ovhttp.ResumeGoalRequest
		maxDuration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a stopped or budget-exceeded goal",
		Long: `Resume a stopped or budget-exceeded goal. Any limit given replaces the
goal's current one, which is how an exhausted budget is raised.

Examples:
  overseer goal resume 3f2a9c1d7e4b --max-iterations 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Budget.MaxDuration = config.Duration(maxDuration)
			var g store.Goal
			path := "/api/v1/goals/" + url.PathEscape(args[0]) + "/resume"
			if err := newClient(30*time.Second).do(http.MethodPost, path, req, &g); err != nil {
				return err
			}
			return printGoal(cmd.OutOrStdout(), &g)
		},
	}
	f := cmd.Flags()
	f.IntVar(&req.Budget.MaxIterations, "max-iterations", 0, "new iteration budget")
	f.Int64Var(&req.Budget.MaxTokens, "max-tokens", 0, "new token budget")
	f.DurationVar(&maxDuration, "max-duration", 0, "new wall-clock budget")
	f.Float64Var(&req.Budget.MaxProviderUsagePercent, "max-usage", 0, "new provider usage ceiling")
	return cmd
}

func lastScore(g *store.Goal) string {
	if n := len(g.EvaluationScores); n > 0 {
		return fmt.Sprintf("%d", g.EvaluationScores[n-1])
	}
	return "-"
}

func printGoal(w io.Writer, g *store.Goal) error {
	if jsonOutput {
		return outputJSON(w, g)
	}
	fmt.Fprintf(w, "Goal:       %s\n", g.ID)
	fmt.Fprintf(w, "Objective:  %s\n", g.Objective)
	fmt.Fprintf(w, "Status:     %s\n", g.Status)
	fmt.Fprintf(w, "Iterations: %d/%d\n", g.Usage.Iterations, g.Budget.MaxIterations)
	fmt.Fprintf(w, "Tokens:     %d\n", g.Usage.Tokens)
	fmt.Fprintf(w, "Score:      %s\n", lastScore(g))
	if g.StopKind != store.StopNone {
		fmt.Fprintf(w, "Stopped:    %s (%s)\n", g.StopKind, g.StopReason)
	}
	if g.PendingApproval != nil {
		fmt.Fprintf(w, "Waiting:    approval for iteration %d\n", g.PendingApproval.Iteration)
	}
	for _, c := range g.Criteria {
		fmt.Fprintf(w, "  - %s\n", c)
	}
	return nil
}
