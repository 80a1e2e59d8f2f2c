package planner

import (
	"fmt"
	"strings"

	"foreman/pkg/intent"
	"foreman/pkg/protocol"
)

// planExample shows the expected shape. The <number> markers keep it from
// parsing as JSON, so an echo of the prompt is never mistaken for a plan.
const planExample = `{"planSummary":"one-sentence summary","tasks":[{"workerIndex":<number>,"title":"subtask title","instruction":"complete instruction the worker can run as-is","dependsOn":[<number>]}]}`

// ReplanPlaceholder is the sample instruction shown in re-plan prompts.
const ReplanPlaceholder = "new instruction here"

func tagged(tag, body string) string {
	return "<" + tag + ">" + body + "</" + tag + ">"
}

// PlanPrompt is the single-line planning request for one attempt.
func PlanPrompt(objective string, workerCount, attempt, total int, previousError string) string {
	parts := []string{
		"You are the supervisor window.",
		"Plan only: do not run commands or edit files.",
		"Objective: " + objective,
		fmt.Sprintf("Worker windows: %d", workerCount),
		fmt.Sprintf("Attempt %d of %d", attempt, total),
		"Reply with a structured plan using exactly this format:",
		tagged(intent.TagPlan, planExample),
		"Rules:",
		fmt.Sprintf("1) tasks must contain exactly %d entries;", workerCount),
		fmt.Sprintf("2) workerIndex must cover 1 to %d;", workerCount),
		"3) every instruction must be a non-empty string the worker can execute directly;",
		"4) output only the tagged JSON block, no extra commentary;",
	}
	if previousError != "" {
		parts = append(parts, "Previous attempt failed: "+previousError+". Fix the format and output the complete JSON again.")
	}
	return protocol.NormalizeText(strings.Join(parts, "\n"))
}

// RepairPrompt asks the supervisor to reformat the answer it already gave.
func RepairPrompt(workerCount int, reason string) string {
	parts := []string{"Your previous reply arrived but could not be parsed."}
	if reason != "" {
		parts = append(parts, "Parse failure: "+reason)
	}
	parts = append(parts,
		"Do not re-analyze the objective and do not add explanations.",
		"Rewrite the split you just gave as a strict tagged JSON block and output it now:",
		tagged(intent.TagPlan, planExample),
		"Hard constraints:",
		fmt.Sprintf("1) tasks must contain exactly %d entries;", workerCount),
		fmt.Sprintf("2) workerIndex must cover 1 to %d;", workerCount),
		"3) instruction must be a non-empty string;",
		"4) output nothing else.",
	)
	return protocol.NormalizeText(strings.Join(parts, "\n"))
}

// ReplanPrompt asks the supervisor for one replacement directive after the
// user rejected a worker's current path.
func ReplanPrompt(workerID, instruction string) string {
	return protocol.NormalizeText(strings.Join([]string{
		"The user rejected the current path of a worker.",
		"Worker: " + workerID,
		"User requirement: " + instruction,
		"Produce a new directive for that worker in this format:",
		tagged(intent.TagDispatch, fmt.Sprintf(`{"workerId":"%s","instruction":"%s"}`, workerID, ReplanPlaceholder)),
		"Output nothing else.",
	}, "\n"))
}

// FallbackPlan synthesizes a degraded plan: one generic task per worker,
// each depending on the previous one.
func FallbackPlan(objective string, workerCount int) protocol.Plan {
	tasks := make([]protocol.Task, 0, workerCount)
	for i := 1; i <= workerCount; i++ {
		id := protocol.WorkerID(i)
		deps := []int{}
		if i > 1 {
			deps = []int{i - 1}
		}
		tasks = append(tasks, protocol.Task{
			WorkerIndex: i,
			WorkerID:    id,
			Title:       fmt.Sprintf("Subtask %d", i),
			DependsOn:   deps,
			Instruction: strings.Join([]string{
				"Objective: " + objective,
				"You are worker window " + id + ".",
				"First state the part of the objective you will take on, then start.",
				"Only work on your own part in this window and report results when a stage is done.",
			}, "\n"),
		})
	}
	return protocol.Plan{
		Summary: "The supervisor did not return a usable structured plan; using a local fallback split.",
		Tasks:   tasks,
	}
}
