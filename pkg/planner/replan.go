package planner

import (
	"context"
	"strings"

	"foreman/pkg/intent"
	"foreman/pkg/protocol"
)

// Replan modes recorded with an approval resolution.
const (
	ModeReplan            = "supervisor_replan"
	ModeDirectInstruction = "supervisor_direct_instruction"
	ModeManualDispatch    = "supervisor_manual_dispatch"
)

// Replan is the outcome of asking the supervisor for a replacement directive.
type Replan struct {
	OK       bool            `json:"ok"`
	Mode     string          `json:"mode"`
	Dispatch intent.Dispatch `json:"dispatch"`
	Error    string          `json:"error,omitempty"`
}

// RequestReplan asks the supervisor for one new directive for workerID and
// waits for a dispatch_json block naming a real instruction. The sample
// directive echoed from the prompt is ignored.
func (p *Planner) RequestReplan(ctx context.Context, sessionID, workerID, instruction string) Replan {
	out := Replan{Mode: ModeReplan, Dispatch: intent.Dispatch{WorkerID: workerID}}
	if err := p.io.Send(sessionID, protocol.SupervisorID, ReplanPrompt(workerID, instruction), true); err != nil {
		out.Error = "sending the re-plan request to the supervisor failed: " + err.Error()
		return out
	}

	start := p.nowFunc()
	var last string
	for p.nowFunc().Sub(start) < p.cfg.ReplanTimeout {
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			out.Error = err.Error()
			return out
		}
		c, err := p.io.Capture(sessionID, protocol.SupervisorID, replanCaptureLines)
		if err != nil {
			continue
		}
		text := strings.Join(c.Lines, "\n")
		if text == "" || text == last {
			continue
		}
		last = text
		d, ok := intent.ExtractDispatch(text)
		if !ok || intent.PlaceholderReason(d.Instruction) != "" {
			continue
		}
		out.OK, out.Dispatch = true, d
		return out
	}
	out.Error = "timed out waiting for the supervisor's revised directive"
	return out
}
