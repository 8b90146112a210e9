package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/overseer/internal/store"
)

const (
	// MinTasks and MaxTasks bound the size of a decomposition.
	MinTasks = 5
	MaxTasks = 20
)

// ErrInvalidDAG wraps every task graph validation failure.
var ErrInvalidDAG = errors.New("invalid task graph")

// Validate checks a fresh decomposition: task count, then the graph rules
// of ValidateGraph.
func Validate(tasks []store.Task) error {
	if len(tasks) < MinTasks || len(tasks) > MaxTasks {
		return fmt.Errorf("%w: got %d tasks, want %d-%d", ErrInvalidDAG, len(tasks), MinTasks, MaxTasks)
	}
	return ValidateGraph(tasks)
}

// ValidateGraph checks that ids are present and unique, that every
// dependency resolves to another task, and that the graph is acyclic.
// Skipped tasks take no part in the graph.
func ValidateGraph(tasks []store.Task) error {
	ids := make(map[string]bool, len(tasks))
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		if t.Status == store.TaskSkipped {
			continue
		}
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("%w: task with empty id", ErrInvalidDAG)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidDAG, t.ID)
		}
		ids[t.ID] = true
		indegree[t.ID] = 0
	}

	dependents := make(map[string][]string, len(ids))
	for _, t := range tasks {
		if t.Status == store.TaskSkipped {
			continue
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidDAG, t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDAG, t.ID, dep)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Kahn: whatever cannot be drained sits on a cycle.
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		var cyclic []string
		for id, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("%w: dependency cycle through %s", ErrInvalidDAG, strings.Join(cyclic, ", "))
	}
	return nil
}

// Ready returns the pending tasks whose dependencies have all completed,
// most depended-on first, ties kept in plan order.
func Ready(tasks []store.Task) []store.Task {
	status := make(map[string]store.TaskStatus, len(tasks))
	dependents := make(map[string]int, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
		for _, dep := range t.DependsOn {
			dependents[dep]++
		}
	}

	var ready []store.Task
	for _, t := range tasks {
		if t.Status != store.TaskPending && t.Status != store.TaskReady {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if status[dep] != store.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return dependents[ready[i].ID] > dependents[ready[j].ID]
	})
	return ready
}

// Unreachable returns the ids of pending tasks that can never run because a
// dependency, direct or transitive, failed or was skipped.
func Unreachable(tasks []store.Task) []string {
	dead := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == store.TaskFailed || t.Status == store.TaskSkipped {
			dead[t.ID] = true
		}
	}

	var out []string
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if dead[t.ID] || (t.Status != store.TaskPending && t.Status != store.TaskReady) {
				continue
			}
			for _, dep := range t.DependsOn {
				if dead[dep] {
					dead[t.ID] = true
					out = append(out, t.ID)
					changed = true
					break
				}
			}
		}
	}
	return out
}

// Outstanding reports whether any task can still make progress.
func Outstanding(tasks []store.Task) bool {
	for _, t := range tasks {
		switch t.Status {
		case store.TaskPending, store.TaskReady, store.TaskRunning:
			return true
		}
	}
	return false
}

// Merge applies a replanner's tasks to the current plan: completed tasks
// are kept exactly as they are, replacements for completed ids are
// ignored, and every other current task is dropped. New tasks start
// pending at revision.
func Merge(current, replacement []store.Task, revision int) []store.Task {
	completed := make(map[string]bool)
	var out []store.Task
	for _, t := range current {
		if t.Status == store.TaskCompleted {
			completed[t.ID] = true
			out = append(out, t)
		}
	}
	for _, t := range replacement {
		if completed[t.ID] {
			continue
		}
		out = append(out, store.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Status:      store.TaskPending,
			Revision:    revision,
		})
	}
	return out
}
