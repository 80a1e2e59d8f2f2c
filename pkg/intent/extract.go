// Package intent recovers machine-readable plans and dispatch directives from
// noisy agent terminal output.
//
// Agents are asked to wrap JSON in tagged blocks such as
// <task_plan_json>{...}</task_plan_json>, but their output is not trusted to
// be well formed: blocks may be hard-wrapped by the terminal, carry escape
// sequences, use drifted field names, or appear only as fenced code or bare
// objects. Extraction is lenient about shape and strict about content.
package intent

import (
	"fmt"
	"slices"
	"strconv"

	"foreman/pkg/protocol"
)

// Dispatch is one (worker, instruction) directive.
type Dispatch struct {
	WorkerID    string `json:"workerId"`
	Instruction string `json:"instruction"`
}

// Rejection explains why one candidate payload was not accepted.
type Rejection struct {
	Source string // tag, fence or scan
	Raw    string
	Reason string
}

// PlanResult is the detailed outcome of plan extraction.
type PlanResult struct {
	Plan       *protocol.Plan
	Score      int
	Source     string
	Rejections []Rejection
}

// ExtractPlan returns the best plan found in text.
func ExtractPlan(text string) (*protocol.Plan, bool) {
	res := ExtractPlanDetailed(text)
	return res.Plan, res.Plan != nil
}

// ExtractPlanDetailed scores every plan-like candidate and returns the
// highest-scoring one along with the reasons the others were rejected.
// Score is 10 per surviving task, +3 with a summary, +2 when the canonical
// "tasks" field was used. Ties keep the earlier candidate, and tagged blocks
// are visited newest first.
func ExtractPlanDetailed(text string) PlanResult {
	c := collectCandidates(text, []string{TagPlan}, true)
	res := PlanResult{}
	for _, r := range c.rejected {
		res.Rejections = append(res.Rejections, Rejection{Source: r.source, Raw: r.raw, Reason: r.reason})
	}

	for _, cand := range c.candidates {
		plan, score, reason := normalizePlan(cand.obj)
		if plan == nil {
			res.Rejections = append(res.Rejections, Rejection{Source: cand.source, Raw: cand.raw, Reason: reason})
			continue
		}
		if res.Plan == nil || score > res.Score {
			res.Plan, res.Score, res.Source = plan, score, cand.source
		}
	}
	return res
}

func normalizePlan(o object) (*protocol.Plan, int, string) {
	list := firstArray(o, planListKeys...)
	if list == nil {
		return nil, 0, "no task list field"
	}

	tasks := make([]protocol.Task, 0, len(list))
	for i, raw := range list {
		if t, ok := normalizeTask(raw, i); ok {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return nil, 0, fmt.Sprintf("none of %d tasks has an instruction", len(list))
	}
	slices.SortStableFunc(tasks, func(a, b protocol.Task) int { return a.WorkerIndex - b.WorkerIndex })

	plan := &protocol.Plan{Summary: firstText(o, planSummaryKeys...), Tasks: tasks}
	score := 10 * len(tasks)
	if plan.Summary != "" {
		score += 3
	}
	if _, ok := o["tasks"].([]any); ok {
		score += 2
	}
	return plan, score, ""
}

func normalizeTask(raw any, i int) (protocol.Task, bool) {
	o, ok := raw.(object)
	if !ok {
		return protocol.Task{}, false
	}
	instruction := firstText(o, taskTextKeys...)
	if instruction == "" {
		return protocol.Task{}, false
	}
	title := firstText(o, taskTitleKeys...)
	if title == "" {
		title = "Subtask " + strconv.Itoa(i+1)
	}
	return protocol.Task{
		WorkerIndex: parseIndex(firstPresent(o, taskIndexKeys...), i+1),
		Title:       title,
		Instruction: instruction,
		DependsOn:   parseDepends(firstPresent(o, taskDependsKeys...)),
	}, true
}

func normalizeDispatch(raw any) (Dispatch, bool) {
	o, ok := raw.(object)
	if !ok {
		return Dispatch{}, false
	}
	id := NormalizeWorkerID(firstText(o, dispatchIDKeys...))
	text := firstText(o, dispatchTextKeys...)
	if id == "" || text == "" {
		return Dispatch{}, false
	}
	return Dispatch{WorkerID: id, Instruction: text}, true
}

// ExtractDispatch returns the newest single-target directive in text,
// falling back to fenced or bare JSON objects of the same shape.
func ExtractDispatch(text string) (Dispatch, bool) {
	c := collectCandidates(text, []string{TagDispatch}, false)
	for _, cand := range c.candidates {
		if d, ok := normalizeDispatch(cand.obj); ok {
			return d, true
		}
	}
	return Dispatch{}, false
}

// ExtractDirectives collects every directive from dispatch_json,
// dispatch_batch_json and dispatch_all_json blocks, in that order. A
// broadcast without workerIds fans out to knownWorkers. Directives are
// deduplicated by worker and whitespace-normalized instruction.
func ExtractDirectives(text string, knownWorkers []string) []Dispatch {
	var out []Dispatch
	seen := make(map[string]bool)
	add := func(workerID, instruction string) {
		if workerID == "" || instruction == "" {
			return
		}
		key := workerID + "::" + protocol.NormalizeText(instruction)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Dispatch{WorkerID: workerID, Instruction: instruction})
	}

	for _, o := range taggedObjects(text, TagDispatch) {
		if d, ok := normalizeDispatch(o); ok {
			add(d.WorkerID, d.Instruction)
		}
	}

	for _, o := range taggedObjects(text, TagDispatchBatch) {
		for _, item := range firstArray(o, batchListKeys...) {
			if d, ok := normalizeDispatch(item); ok {
				add(d.WorkerID, d.Instruction)
			}
		}
	}

	known := make([]string, 0, len(knownWorkers))
	for _, id := range knownWorkers {
		if n := NormalizeWorkerID(id); n != "" {
			known = append(known, n)
		}
	}
	for _, o := range taggedObjects(text, TagDispatchAll) {
		instruction := firstText(o, broadcastKeys...)
		if instruction == "" {
			continue
		}
		targets := known
		if ids, ok := o["workerIds"].([]any); ok {
			targets = targets[:0:0]
			for _, id := range ids {
				if n := NormalizeWorkerID(id); n != "" {
					targets = append(targets, n)
				}
			}
		}
		for _, id := range targets {
			add(id, instruction)
		}
	}
	return out
}
