// Package approval turns prompts detected in agent output into approvals,
// auto-continues or auto-resolves them according to session policy, and
// applies human resolutions back to the terminals.
//
// The broker never persists anything itself. Scan and Resolve mutate the
// session they are given; the caller owns locking and storage.
package approval

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/classifier"
	"foreman/pkg/intent"
	"foreman/pkg/planner"
	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// RearmWindow is how long a handled prompt stays suppressed.
const RearmWindow = 90 * time.Second

// sourceQuoteLimit bounds the prompt quote forwarded to the supervisor.
const sourceQuoteLimit = 240

// Replanner asks the supervisor for a replacement directive.
type Replanner interface {
	RequestReplan(ctx context.Context, sessionID, workerID, instruction string) planner.Replan
}

// Broker implements the scan and resolve halves of the approval flow.
type Broker struct {
	io     terminal.IO
	rec    protocol.Recorder
	replan Replanner
	log    *slog.Logger

	// nowFunc and newID allow tests to control time and ids.
	nowFunc func() time.Time
	newID   func() string
}

// New creates a Broker. A nil logger discards.
func New(tio terminal.IO, rec protocol.Recorder, replan Replanner, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		io:      tio,
		rec:     rec,
		replan:  replan,
		log:     log,
		nowFunc: time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// ContinueInstruction is sent when a continue suggestion is accepted.
const ContinueInstruction = "Continue with the next step you just proposed; do not stop at the suggestion stage. " +
	"Make the change or run the command directly, and report results and blockers."

// dontAskNote is appended when the human chose "don't ask again".
const dontAskNote = " Future prompts like this one will continue automatically."

// ContinueRoutingPrompt asks the supervisor to handle a rejected continue
// suggestion from workerID. The sample directive is a placeholder so that its
// echo is never forwarded.
func ContinueRoutingPrompt(workerID, instruction, sourceText string) string {
	quote := protocol.NormalizeText(sourceText)
	if r := []rune(quote); len(r) > sourceQuoteLimit {
		quote = string(r[:sourceQuoteLimit])
	}
	parts := []string{"Worker window " + workerID + " stopped at an \"I can continue if you want\" suggestion."}
	if quote != "" {
		parts = append(parts, "Quote from the window: "+quote)
	}
	parts = append(parts,
		"New user requirement: "+strings.TrimSpace(instruction),
		"Decide whether to answer directly or hand a new instruction to the worker.",
		"If you hand it over you must output the structured tag; do not just say it was passed on.",
		`<dispatch_json>{"workerId":"`+workerID+`","instruction":"`+planner.ReplanPlaceholder+`"}</dispatch_json>`,
	)
	return protocol.NormalizeText(strings.Join(parts, " "))
}

// AdjustPrompt tells the supervisor that the user rejected its current path.
func AdjustPrompt(targetID, instruction string) string {
	parts := []string{"The user rejected the current path of " + targetID + "."}
	if s := strings.TrimSpace(instruction); s != "" {
		parts = append(parts, "Additional user requirement: "+s)
	}
	parts = append(parts, "Adjust accordingly, keep going, and state your next action.")
	return protocol.NormalizeText(strings.Join(parts, " "))
}

// autoEvent is the payload of auto-continue and auto-resolve events.
type autoEvent struct {
	TargetID    string              `json:"targetId"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Kind        protocol.PromptKind `json:"kind"`
	Policy      string              `json:"policy,omitempty"`
	OK          bool                `json:"ok"`
	Error       string              `json:"error,omitempty"`
	Count       int                 `json:"count,omitempty"`
	ApprovalIDs []string            `json:"approvalIds,omitempty"`
	Source      string              `json:"source,omitempty"`
}

// Scan classifies each captured tail and applies the approval rules. A target
// missing from captures could not be read this tick and is skipped. Scan
// reports whether sess changed.
func (b *Broker) Scan(ctx context.Context, sess *protocol.Session, captures map[string][]string) bool {
	changed := b.sweepSupervisor(ctx, sess)

	for _, id := range sess.TargetIDs() {
		lines, ok := captures[id]
		if !ok {
			continue
		}
		det := classifier.Classify(lines)
		if !det.Hit {
			continue
		}
		if b.scanTarget(ctx, sess, id, det) {
			changed = true
		}
	}
	return changed
}

func (b *Broker) scanTarget(ctx context.Context, sess *protocol.Session, targetID string, det classifier.Result) bool {
	for _, a := range sess.Approvals {
		if a.Status == protocol.ApprovalPending && a.Matches(targetID, det.Fingerprint, det.Kind) {
			return false
		}
	}
	if b.recentlyHandled(sess, targetID, det.Fingerprint, det.Kind) {
		return false
	}

	role := roleOf(targetID)
	if det.Kind == protocol.KindContinueSuggestion && sess.Policy.For(role) == protocol.PolicyAutoContinue {
		ev := autoEvent{TargetID: targetID, Fingerprint: det.Fingerprint, Kind: det.Kind, Policy: string(protocol.PolicyAutoContinue)}
		if err := b.io.Send(sess.ID, targetID, ContinueInstruction, true); err != nil {
			ev.Error = err.Error()
			b.log.Warn("auto-continue failed", "session", sess.ID, "target", targetID, "err", err)
			b.rec.Record(ctx, sess.ID, protocol.EventAutoContinueFailed, ev)
			return true
		}
		ev.OK = true
		b.setStatus(sess, targetID, protocol.TargetRunning)
		b.remember(sess, targetID, det.Fingerprint, det.Kind)
		b.rec.Record(ctx, sess.ID, protocol.EventAutoContinued, ev)
		return true
	}

	if rule := matchRule(sess, targetID, det.Fingerprint, det.Kind); rule != nil {
		answer := "2"
		if det.Kind == protocol.KindContinueSuggestion {
			answer = ContinueInstruction
		}
		ev := autoEvent{TargetID: targetID, Fingerprint: det.Fingerprint, Kind: det.Kind}
		if err := b.io.Send(sess.ID, targetID, answer, true); err != nil {
			ev.Error = err.Error()
			b.rec.Record(ctx, sess.ID, protocol.EventApprovalAutoResolved, ev)
			return false
		}
		ev.OK = true
		// History entry rearms the rule so a prompt still on screen is not answered twice.
		b.remember(sess, targetID, det.Fingerprint, det.Kind)
		b.rec.Record(ctx, sess.ID, protocol.EventApprovalAutoResolved, ev)
		return true
	}

	a := protocol.Approval{
		ID:          b.newID(),
		SessionID:   sess.ID,
		TargetID:    targetID,
		Source:      det.PromptText,
		Fingerprint: det.Fingerprint,
		Kind:        det.Kind,
		Options:     det.Options,
		Status:      protocol.ApprovalPending,
		CreatedAt:   b.nowFunc(),
	}
	sess.Approvals = append(sess.Approvals, a)
	b.setStatus(sess, targetID, protocol.TargetWaitingUserInput)
	b.rec.Record(ctx, sess.ID, protocol.EventApprovalCreated, a)
	return true
}

// sweepSupervisor resolves stale pending supervisor continue suggestions
// with a single continue instruction when the supervisor policy is
// auto-continue.
func (b *Broker) sweepSupervisor(ctx context.Context, sess *protocol.Session) bool {
	if sess.Policy.For(protocol.RoleSupervisor) != protocol.PolicyAutoContinue {
		return false
	}
	var pending []int
	for i, a := range sess.Approvals {
		if a.Status == protocol.ApprovalPending && a.TargetID == protocol.SupervisorID && a.Kind == protocol.KindContinueSuggestion {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return false
	}

	ids := make([]string, len(pending))
	for j, i := range pending {
		ids[j] = sess.Approvals[i].ID
	}
	ev := autoEvent{
		TargetID:    protocol.SupervisorID,
		Kind:        protocol.KindContinueSuggestion,
		Policy:      string(protocol.PolicyAutoContinue),
		Count:       len(pending),
		ApprovalIDs: ids,
		Source:      "pending-recovery",
	}
	if err := b.io.Send(sess.ID, protocol.SupervisorID, ContinueInstruction, true); err != nil {
		ev.Error = err.Error()
		b.rec.Record(ctx, sess.ID, protocol.EventAutoContinueFailed, ev)
		return false
	}

	now := b.nowFunc()
	for _, i := range pending {
		a := &sess.Approvals[i]
		a.Status = protocol.ApprovalResolved
		a.ResolvedAt = &now
		a.Choice = 1
		a.Instruction = ""
		b.remember(sess, a.TargetID, a.Fingerprint, a.Kind)
	}
	b.setStatus(sess, protocol.SupervisorID, protocol.TargetRunning)
	ev.OK = true
	b.rec.Record(ctx, sess.ID, protocol.EventAutoContinued, ev)
	return true
}

// recentlyHandled reports whether the triple was resolved or auto-continued
// within the rearm window.
func (b *Broker) recentlyHandled(sess *protocol.Session, targetID, fingerprint string, kind protocol.PromptKind) bool {
	now := b.nowFunc()
	var latest time.Time
	for _, a := range sess.Approvals {
		if a.Status != protocol.ApprovalResolved || !a.Matches(targetID, fingerprint, kind) {
			continue
		}
		at := a.CreatedAt
		if a.ResolvedAt != nil {
			at = *a.ResolvedAt
		}
		if at.After(latest) {
			latest = at
		}
	}
	if !latest.IsZero() && now.Sub(latest) < RearmWindow {
		return true
	}
	for _, h := range sess.AutoContinue.Items() {
		if h.TargetID == targetID && h.Fingerprint == fingerprint && h.Kind == kind && now.Sub(h.At) < RearmWindow {
			return true
		}
	}
	return false
}

func (b *Broker) remember(sess *protocol.Session, targetID, fingerprint string, kind protocol.PromptKind) {
	sess.AutoContinue.Push(protocol.AutoContinueEntry{TargetID: targetID, Fingerprint: fingerprint, Kind: kind, At: b.nowFunc()})
}

func (b *Broker) setStatus(sess *protocol.Session, targetID string, status protocol.TargetStatus) {
	if t := sess.Target(targetID); t != nil {
		t.Status = status
		t.UpdatedAt = b.nowFunc()
	}
}

func matchRule(sess *protocol.Session, targetID, fingerprint string, kind protocol.PromptKind) *protocol.DontAskRule {
	for i, r := range sess.DontAsk {
		if r.TargetID == targetID && r.Fingerprint == fingerprint && (r.Kind == protocol.KindNone || r.Kind == kind) {
			return &sess.DontAsk[i]
		}
	}
	return nil
}

func roleOf(targetID string) protocol.Role {
	if targetID == protocol.SupervisorID {
		return protocol.RoleSupervisor
	}
	return protocol.RoleWorker
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	ApprovalID  string          `json:"approvalId"`
	TargetID    string          `json:"targetId"`
	Choice      int             `json:"choice"`
	Instruction string          `json:"instruction,omitempty"`
	Replan      *planner.Replan `json:"replan,omitempty"`
}

// Resolve applies a human choice to a pending approval: 1 accepts, 2 accepts
// and installs a don't-ask rule, 3 rejects with an alternative instruction.
// On error sess is left untouched.
func (b *Broker) Resolve(ctx context.Context, sess *protocol.Session, approvalID string, choice int, instruction string) (Resolution, error) {
	instruction = strings.TrimSpace(instruction)
	a := sess.Approval(approvalID)
	switch {
	case a == nil:
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "unknown approval"}
	case a.Status != protocol.ApprovalPending:
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "already resolved"}
	case choice < 1 || choice > 3:
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "choice must be 1, 2 or 3"}
	case choice == 3 && instruction == "":
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "choice 3 requires an alternative instruction"}
	case sess.Target(a.TargetID) == nil:
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "target " + a.TargetID + " no longer exists"}
	}

	to, text := b.answer(a, choice, instruction)
	if err := b.io.Send(sess.ID, to, text, true); err != nil {
		return Resolution{}, &protocol.ApprovalError{ApprovalID: approvalID, Reason: "sending the answer failed: " + err.Error()}
	}

	res := Resolution{ApprovalID: approvalID, TargetID: a.TargetID, Choice: choice, Instruction: instruction}
	if choice == 3 {
		rp := b.reject(ctx, sess, a, instruction)
		res.Replan = &rp
	}
	if choice == 2 {
		sess.DontAsk = append(sess.DontAsk, protocol.DontAskRule{
			TargetID:    a.TargetID,
			Fingerprint: a.Fingerprint,
			Kind:        a.Kind,
			CreatedAt:   b.nowFunc(),
		})
	}

	now := b.nowFunc()
	a.Status = protocol.ApprovalResolved
	a.ResolvedAt = &now
	a.Choice = choice
	a.Instruction = instruction
	if res.Replan != nil {
		a.Resolution = res.Replan.Mode
	}
	b.setStatus(sess, a.TargetID, protocol.TargetRunning)
	b.rec.Record(ctx, sess.ID, protocol.EventApprovalResolved, res)
	return res, nil
}

// answer picks the first message a choice sends and its destination.
func (b *Broker) answer(a *protocol.Approval, choice int, instruction string) (string, string) {
	if a.Kind != protocol.KindContinueSuggestion {
		return a.TargetID, strconv.Itoa(choice)
	}
	switch {
	case choice == 1:
		return a.TargetID, ContinueInstruction
	case choice == 2:
		return a.TargetID, ContinueInstruction + dontAskNote
	case a.TargetID == protocol.SupervisorID:
		return protocol.SupervisorID, AdjustPrompt(a.TargetID, instruction)
	default:
		return protocol.SupervisorID, ContinueRoutingPrompt(a.TargetID, instruction, a.Source)
	}
}

// reject runs the follow-up of choice 3 after the answer was delivered.
func (b *Broker) reject(ctx context.Context, sess *protocol.Session, a *protocol.Approval, instruction string) planner.Replan {
	if a.Kind == protocol.KindContinueSuggestion {
		mode := planner.ModeManualDispatch
		if a.TargetID == protocol.SupervisorID {
			mode = planner.ModeDirectInstruction
		}
		return planner.Replan{OK: true, Mode: mode, Dispatch: dispatchOf(a.TargetID, instruction)}
	}

	if a.TargetID == protocol.SupervisorID {
		rp := planner.Replan{OK: true, Mode: planner.ModeDirectInstruction, Dispatch: dispatchOf(a.TargetID, instruction)}
		if err := b.io.Send(sess.ID, protocol.SupervisorID, AdjustPrompt(a.TargetID, instruction), true); err != nil {
			rp.OK, rp.Error = false, err.Error()
		}
		return rp
	}

	rp := b.replan.RequestReplan(ctx, sess.ID, a.TargetID, instruction)
	if !rp.OK {
		b.log.Info("re-plan returned no directive", "session", sess.ID, "target", a.TargetID, "err", rp.Error)
		return rp
	}
	if sess.Target(rp.Dispatch.WorkerID) == nil {
		rp.OK, rp.Error = false, "revised directive names unknown target "+rp.Dispatch.WorkerID
		return rp
	}
	if err := b.io.Send(sess.ID, rp.Dispatch.WorkerID, rp.Dispatch.Instruction, true); err != nil {
		rp.OK, rp.Error = false, "forwarding the revised directive failed: "+err.Error()
		return rp
	}
	sess.DispatchKeys.Add(protocol.DispatchKey(rp.Dispatch.WorkerID, rp.Dispatch.Instruction))
	return rp
}

func dispatchOf(targetID, instruction string) intent.Dispatch {
	return intent.Dispatch{WorkerID: targetID, Instruction: instruction}
}
