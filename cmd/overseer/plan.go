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

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and control plans",
		Long: `A plan decomposes an objective into a graph of tasks that run on parallel
workers, replanning when too many tasks fail.`,
	}
	cmd.AddCommand(
		newPlanCreateCmd(),
		newPlanListCmd(),
		newPlanGetCmd(),
		newPlanStopCmd(),
		newPlanResumeCmd(),
	)
	return cmd
}

func addPlanBudgetFlags(cmd *cobra.Command, b *store.PlanBudget, maxDuration *time.Duration) {
	f := cmd.Flags()
	f.IntVar(&b.MaxTurns, "max-turns", 0, "turn budget shared by all agents")
	f.Int64Var(&b.MaxTokens, "max-tokens", 0, "token budget")
	f.DurationVar(maxDuration, "max-duration", 0, "wall-clock budget")
	f.Float64Var(&b.MaxProviderUsagePercent, "max-usage", 0, "stop when provider usage reaches this percent")
	f.IntVar(&b.MaxReplans, "max-replans", 0, "replanning rounds allowed")
}

func newPlanCreateCmd() *cobra.Command {
	var (
		spec          manager.PlanSpec
		maxDuration   time.Duration
		notifyChannel string
		recipient     string
	)
	cmd := &cobra.Command{
		Use:   "create <objective>",
		Short: "Create a plan and start it",
		Long: `Create a plan and start it. Unset limits take the daemon's defaults.

Examples:
  overseer plan create "Split the billing service out of the monolith" \
    --criterion "billing has its own module" --max-concurrency 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Objective = args[0]
			spec.Budget.MaxDuration = config.Duration(maxDuration)
			if notifyChannel != "" || recipient != "" {
				spec.Notify = &store.NotifyTarget{Channel: notifyChannel, Recipient: recipient}
			}
			var p store.Plan
			if err := newClient(30*time.Second).do(http.MethodPost, "/api/v1/plans", spec, &p); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), &p)
		},
	}
	addPlanBudgetFlags(cmd, &spec.Budget, &maxDuration)
	f := cmd.Flags()
	f.StringArrayVar(&spec.Criteria, "criterion", nil, "acceptance criterion (repeatable)")
	f.IntVar(&spec.Budget.MaxConcurrency, "max-concurrency", 0, "workers running at once")
	f.IntVar(&spec.Budget.MaxRetries, "max-retries", 0, "retries per task")
	f.Float64Var(&spec.Budget.ReplanThreshold, "replan-threshold", 0, "failed fraction of a batch that triggers replanning")
	f.StringVar(&spec.AgentID, "agent", "", "agent identifier")
	f.StringVar(&notifyChannel, "notify-channel", "", "notification channel")
	f.StringVar(&recipient, "notify-recipient", "", "notification recipient")
	return cmd
}

func newPlanListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/plans"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var list ovhttp.PlanList
			if err := newClient(10*time.Second).do(http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), list)
			}
			if len(list.Plans) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No plans.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTASKS\tTURNS\tOBJECTIVE")
			for _, p := range list.Plans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					p.ID, p.Status, taskProgress(p), p.Usage.Turns, p.Budget.MaxTurns, truncate(p.Objective, 50))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show plans in this status")
	return cmd
}

func newPlanGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a plan and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p store.Plan
			if err := newClient(10*time.Second).do(http.MethodGet, "/api/v1/plans/"+url.PathEscape(args[0]), nil, &p); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), &p)
		},
	}
}

func newPlanStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p store.Plan
			path := "/api/v1/plans/" + url.PathEscape(args[0]) + "/stop"
			if err := newClient(30*time.Second).do(http.MethodPost, path, nil, &p); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), &p)
		},
	}
}

func newPlanResumeCmd() *cobra.Command {
	var (
		req         ovhttp.ResumePlanRequest
		maxDuration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a stopped plan",
		Long: `Resume a stopped plan. Completed tasks are kept and tasks that were
running when it stopped are scheduled again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Budget.MaxDuration = config.Duration(maxDuration)
			var p store.Plan
			path := "/api/v1/plans/" + url.PathEscape(args[0]) + "/resume"
			if err := newClient(30*time.Second).do(http.MethodPost, path, req, &p); err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), &p)
		},
	}
	addPlanBudgetFlags(cmd, &req.Budget, &maxDuration)
	return cmd
}

func taskProgress(p *store.Plan) string {
	done := 0
	for _, t := range p.Tasks {
		if t.Status == store.TaskCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(p.Tasks))
}

func printPlan(w io.Writer, p *store.Plan) error {
	if jsonOutput {
		return outputJSON(w, p)
	}
	fmt.Fprintf(w, "Plan:      %s\n", p.ID)
	fmt.Fprintf(w, "Objective: %s\n", p.Objective)
	fmt.Fprintf(w, "Status:    %s (revision %d)\n", p.Status, p.PlanRevision)
	fmt.Fprintf(w, "Turns:     %d/%d\n", p.Usage.Turns, p.Budget.MaxTurns)
	fmt.Fprintf(w, "Tokens:    %d\n", p.Usage.Tokens)
	fmt.Fprintf(w, "Tasks:     %s completed\n", taskProgress(p))
	if p.StopKind != store.StopNone {
		fmt.Fprintf(w, "Stopped:   %s (%s)\n", p.StopKind, p.StopReason)
	}
	if p.FinalEvaluation != nil {
		fmt.Fprintf(w, "Score:     %d\n", p.FinalEvaluation.Score)
	}
	if len(p.Tasks) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTASK\tSTATUS\tDEPENDS ON\tTITLE")
	for _, t := range p.Tasks {
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = strings.Join(t.DependsOn, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Status, deps, truncate(t.Title, 50))
	}
	return tw.Flush()
}
