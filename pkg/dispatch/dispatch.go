// Package dispatch sends plan tasks to their worker terminals.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// defaultConcurrency caps simultaneous sends to one terminal backend.
const defaultConcurrency = 8

// Result reports the delivery of one task.
type Result struct {
	WorkerID string `json:"workerId"`
	Title    string `json:"title"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Engine delivers tasks over a terminal.IO.
type Engine struct {
	io    terminal.IO
	rec   protocol.Recorder
	limit int
}

// New creates an Engine. A non-positive limit uses the default.
func New(tio terminal.IO, rec protocol.Recorder, limit int) *Engine {
	if limit <= 0 {
		limit = defaultConcurrency
	}
	return &Engine{io: tio, rec: rec, limit: limit}
}

// Message renders the single-line text sent to a worker for task.
func Message(task protocol.Task) string {
	deps := "none"
	if len(task.DependsOn) > 0 {
		parts := make([]string, len(task.DependsOn))
		for i, d := range task.DependsOn {
			parts[i] = strconv.Itoa(d)
		}
		deps = strings.Join(parts, ",")
	}
	return protocol.NormalizeText(fmt.Sprintf(
		"You are %s. Subtask: %s. Depends on: %s. %s Start right away and keep reporting progress.",
		task.WorkerID, task.Title, deps, task.Instruction))
}

// Dispatch sends every task of plan to its worker. Results are in plan order
// and one failed send never prevents the others.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, plan *protocol.Plan) []Result {
	if plan == nil {
		return nil
	}
	results := make([]Result, len(plan.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, task := range plan.Tasks {
		g.Go(func() error {
			res := Result{WorkerID: task.WorkerID, Title: task.Title}
			if err := gctx.Err(); err != nil {
				res.Error = err.Error()
				results[i] = res
				return nil
			}
			if err := e.io.Send(sessionID, task.WorkerID, Message(task), true); err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	for _, r := range results {
		e.rec.Record(ctx, sessionID, protocol.EventTaskDispatched, r)
	}
	return results
}

// AllOK reports whether every result succeeded.
func AllOK(results []Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}
