package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/overseer/internal/evaluator"
	"github.com/fyrsmithlabs/overseer/internal/store"
)

// maxDependencyContext caps how much of each dependency's result is handed
// to a worker.
const maxDependencyContext = 4000

type taskReply struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn"`
}

type tasksReply struct {
	Tasks []taskReply `json:"tasks"`
}

// DecodeTasks reads the {"tasks": [...]} object of a decomposition or
// replanning reply.
func DecodeTasks(text string) ([]store.Task, error) {
	obj, err := evaluator.ExtractObject(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDAG, err)
	}
	var r tasksReply
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return nil, fmt.Errorf("%w: decoding tasks: %v", ErrInvalidDAG, err)
	}
	tasks := make([]store.Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		tasks = append(tasks, store.Task{
			ID:          strings.TrimSpace(t.ID),
			Title:       strings.TrimSpace(t.Title),
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Status:      store.TaskPending,
		})
	}
	return tasks, nil
}

const tasksFormat = `## Response format
Reply with exactly one JSON object and nothing else:
{"tasks": [{"id": "<short unique id>", "title": "<title>", "description": "<what to do and how to tell it is done>", "dependsOn": ["<id>", ...]}]}
dependsOn lists the ids of tasks whose results this task needs. The dependencies must not form a cycle.
`

// DecomposePrompt asks for the initial task graph.
func DecomposePrompt(p *store.Plan, attempt int, lastErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Break the following objective into %d to %d concrete tasks that can be worked on independently by separate agents.\n\n", MinTasks, MaxTasks)
	fmt.Fprintf(&b, "## Objective\n%s\n\n", p.Objective)
	writeCriteria(&b, p.Criteria)
	if attempt > 1 && lastErr != nil {
		fmt.Fprintf(&b, "## Previous attempt\nYour previous task list was rejected: %v\n\n", lastErr)
	}
	b.WriteString(tasksFormat)
	return b.String()
}

// ReplanPrompt asks for replacement tasks after a batch failed too often.
func ReplanPrompt(p *store.Plan, lastErr error) string {
	var b strings.Builder
	b.WriteString("A plan is failing. Revise the tasks that have not completed so the objective can still be reached.\n\n")
	fmt.Fprintf(&b, "## Objective\n%s\n\n", p.Objective)
	writeCriteria(&b, p.Criteria)

	b.WriteString("## Completed tasks (kept as they are; other tasks may depend on them)\n")
	n := 0
	for _, t := range p.Tasks {
		if t.Status == store.TaskCompleted {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Title)
			n++
		}
	}
	if n == 0 {
		b.WriteString("(none)\n")
	}

	b.WriteString("\n## Remaining tasks (will be replaced by your list)\n")
	for _, t := range p.Tasks {
		if t.Status == store.TaskCompleted {
			continue
		}
		deps := "none"
		if len(t.DependsOn) > 0 {
			deps = strings.Join(t.DependsOn, ", ")
		}
		fmt.Fprintf(&b, "- %s [%s]: %s (depends on: %s)\n", t.ID, t.Status, t.Title, deps)
	}

	if len(p.LastFailures) > 0 {
		b.WriteString("\n## Failures\n")
		for _, f := range p.LastFailures {
			fmt.Fprintf(&b, "- %s (%s) after %d retries: %s\n", f.TaskID, f.Title, f.Retries, f.Error)
		}
	}
	if lastErr != nil {
		fmt.Fprintf(&b, "\n## Previous attempt\nYour previous revision was rejected: %v\n", lastErr)
	}

	b.WriteString("\nReturn only the tasks that still need to run. Do not repeat completed tasks.\n\n")
	b.WriteString(tasksFormat)
	return b.String()
}

// WorkerPrompt renders a task for its worker, with the results of the
// dependencies it builds on.
func WorkerPrompt(p *store.Plan, t store.Task) string {
	var b strings.Builder
	b.WriteString("You are completing one task of a larger plan.\n\n")
	fmt.Fprintf(&b, "## Overall objective\n%s\n\n", p.Objective)
	fmt.Fprintf(&b, "## Your task: %s\n%s\n\n", t.Title, t.Description)

	if len(t.DependsOn) > 0 {
		b.WriteString("## Results of prerequisite tasks\n")
		for _, id := range t.DependsOn {
			dep := p.Task(id)
			if dep == nil {
				continue
			}
			fmt.Fprintf(&b, "### %s: %s\n%s\n\n", dep.ID, dep.Title, truncate(dep.Result, maxDependencyContext))
		}
	}
	if t.Retries > 0 && t.Error != "" {
		fmt.Fprintf(&b, "## Previous attempt\nAttempt %d failed: %s\n\n", t.Retries, t.Error)
	}

	b.WriteString("Do the task, then reply with its result. Start with a one-line summary.\n")
	return b.String()
}

func writeCriteria(b *strings.Builder, criteria []string) {
	if len(criteria) == 0 {
		return
	}
	b.WriteString("## Acceptance criteria\n")
	for i, c := range criteria {
		fmt.Fprintf(b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\n")
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
