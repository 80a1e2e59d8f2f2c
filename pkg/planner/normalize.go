package planner

import (
	"fmt"
	"slices"
	"strings"

	"foreman/pkg/protocol"
)

// NormalizePlan validates a parsed plan against the requested worker count
// and binds its tasks to worker-1..worker-N in worker-index order. Both
// failure cases are retryable: the agent may still be writing.
func NormalizePlan(plan *protocol.Plan, workerCount int) (*protocol.Plan, error) {
	if plan == nil || len(plan.Tasks) < workerCount {
		got := 0
		if plan != nil {
			got = len(plan.Tasks)
		}
		return nil, fmt.Errorf("not enough tasks: expected %d, got %d", workerCount, got)
	}

	sorted := slices.Clone(plan.Tasks)
	slices.SortStableFunc(sorted, func(a, b protocol.Task) int { return a.WorkerIndex - b.WorkerIndex })

	tasks := make([]protocol.Task, 0, workerCount)
	for i, t := range sorted[:workerCount] {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = fmt.Sprintf("Subtask %d", i+1)
		}
		deps := t.DependsOn
		if deps == nil {
			deps = []int{}
		}
		instruction := strings.TrimSpace(t.Instruction)
		if instruction == "" {
			return nil, fmt.Errorf("task %d has an empty instruction", i+1)
		}
		tasks = append(tasks, protocol.Task{
			WorkerIndex: i + 1,
			WorkerID:    protocol.WorkerID(i + 1),
			Title:       title,
			Instruction: instruction,
			DependsOn:   deps,
		})
	}
	return &protocol.Plan{Summary: strings.TrimSpace(plan.Summary), Tasks: tasks}, nil
}
