package executor

import "fmt"

// Session keys are deterministic so that a retried or resumed unit of work
// reuses the same worker session.

// GoalKey is the worker session of a goal loop.
func GoalKey(goalID string) string {
	return "goal:" + goalID
}

// GoalEvalKey is the evaluator session for one goal iteration.
func GoalEvalKey(goalID string, iteration int) string {
	return fmt.Sprintf("goal-eval:%s:%d", goalID, iteration)
}

// PlanDecomposeKey is the decomposition session for one attempt.
func PlanDecomposeKey(planID string, attempt int) string {
	return fmt.Sprintf("plan-decompose:%s:%d", planID, attempt)
}

// PlanWorkerKey is the worker session of one task attempt.
func PlanWorkerKey(planID, taskID string, retry int) string {
	return fmt.Sprintf("plan-worker:%s:%s:%d", planID, taskID, retry)
}

// PlanReplanKey is the replanner session producing a revision.
func PlanReplanKey(planID string, revision int) string {
	return fmt.Sprintf("plan-replan:%s:%d", planID, revision)
}

// PlanEvalKey is the final evaluation session of a plan.
func PlanEvalKey(planID string) string {
	return "plan-eval:" + planID
}
