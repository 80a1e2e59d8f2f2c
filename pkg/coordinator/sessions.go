package coordinator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"foreman/pkg/approval"
	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// manualInputWait is how long a supervisor send may stay unanswered before a
// no-output diagnostic is emitted.
const manualInputWait = 15 * time.Second

// previewLimit bounds the text preview stored with manual-input events.
const previewLimit = 180

// CreateRequest describes a new session.
type CreateRequest struct {
	Objective   string `json:"objective"`
	WorkerCount int    `json:"workerCount"`
	Workspace   string `json:"workspace"`
}

// CreateSession validates the request, starts the terminals, persists the
// session and kicks off its first planning cycle.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*SessionView, error) {
	objective := strings.TrimSpace(req.Objective)
	if objective == "" {
		return nil, &protocol.ValidationError{Field: "objective", Reason: "must not be blank"}
	}
	if req.WorkerCount <= 0 {
		return nil, &protocol.ValidationError{Field: "workerCount", Reason: "must be a positive integer"}
	}
	workspace := strings.TrimSpace(req.Workspace)
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		workspace = wd
	}

	id := fmt.Sprintf("session-%d-%s", c.nowFunc().UnixMilli(), c.newID())
	started, err := c.rt.Start(terminal.StartRequest{
		SessionID:         id,
		Workspace:         workspace,
		WorkerCount:       req.WorkerCount,
		SupervisorCommand: c.cfg.SupervisorCommand,
		WorkerCommand:     c.cfg.WorkerCommand,
		Preferred:         c.cfg.Runtime,
	})
	if err != nil {
		return nil, fmt.Errorf("start terminals: %w", err)
	}

	now := c.nowFunc()
	sess := protocol.NewSession(id, objective, workspace, req.WorkerCount, now)
	sess.Runtime = started.Runtime
	sess.Handle = started.Handle
	sess.Policy = c.cfg.Policy
	sess.Supervisor = protocol.Target{ID: started.SupervisorID, Role: protocol.RoleSupervisor, Status: protocol.TargetRunning, UpdatedAt: now}
	for _, wid := range started.WorkerIDs {
		sess.Workers = append(sess.Workers, protocol.Target{ID: wid, Role: protocol.RoleWorker, Status: protocol.TargetStarting, UpdatedAt: now})
	}
	sess.Planning = c.startingPlanningState(TriggerInitial)

	if err := c.claimPlanning(id); err != nil {
		_ = c.rt.Stop(id)
		return nil, err
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		c.releasePlanning(id)
		_ = c.rt.Stop(id)
		return nil, err
	}
	c.log.Info("session created", "session", id, "runtime", sess.Runtime, "workers", req.WorkerCount)
	c.Record(ctx, id, protocol.EventSessionCreated, map[string]any{
		"objective":   objective,
		"workerCount": req.WorkerCount,
		"workspace":   workspace,
		"runtime":     sess.Runtime,
		"handle":      sess.Handle,
	})
	c.snapshot(ctx, id)
	c.startWatcher(id)
	c.startPlanning(id, objective, req.WorkerCount, TriggerInitial)
	return c.GetSession(ctx, id)
}

// Replan manually re-triggers planning. It is rejected while a planning job
// runs or after the session was stopped.
func (c *Coordinator) Replan(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := c.getLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Workers) == 0 {
		return nil, &protocol.ValidationError{Field: "workers", Reason: "session has no worker windows to plan for"}
	}
	if err := c.claimPlanning(sessionID); err != nil {
		return nil, err
	}

	_, err = c.update(ctx, sessionID, func(s *protocol.Session) error {
		if s.Status == protocol.SessionStopped {
			return &protocol.SessionStoppedError{SessionID: sessionID}
		}
		s.Status = protocol.SessionPlanning
		s.Phase = ""
		s.LastError = ""
		s.Planning = c.startingPlanningState(TriggerManual)
		return nil
	})
	if err != nil {
		c.releasePlanning(sessionID)
		return nil, err
	}
	c.Record(ctx, sessionID, protocol.EventPlanningRetrigger, map[string]any{"at": c.nowFunc()})
	c.snapshot(ctx, sessionID)
	c.startPlanning(sessionID, sess.Objective, len(sess.Workers), TriggerManual)
	return c.GetSession(ctx, sessionID)
}

// TargetResult is the outcome of one send.
type TargetResult struct {
	TargetID string `json:"targetId"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// ResumeResult is the outcome of nudging a session's targets.
type ResumeResult struct {
	OK         bool           `json:"ok"`
	Source     string         `json:"source"`
	Supervisor TargetResult   `json:"supervisor"`
	Workers    []TargetResult `json:"workers"`
}

func supervisorResumePrompt(objective string, workerIDs []string) string {
	return protocol.NormalizeText(strings.Join([]string{
		"The control process restarted; check the unfinished tasks of every worker window.",
		"Session objective: " + objective,
		"Worker windows: " + strings.Join(workerIDs, ", "),
		"If a window has not finished, remind it to keep going and label the window and its current stage in your output;",
		"if a window is done, say so explicitly.",
		"Only coordinate progress; do not redraw the existing task boundaries.",
	}, " "))
}

func workerResumePrompt(task *protocol.Task) string {
	parts := []string{"The control process restarted; continue your unfinished task."}
	if task != nil && task.Title != "" {
		parts = append(parts, "Current subtask: "+task.Title+".")
	}
	parts = append(parts, "First sync your progress in one sentence, then keep going.")
	return strings.Join(parts, " ")
}

// Resume nudges the supervisor and every worker to pick up unfinished work.
func (c *Coordinator) Resume(ctx context.Context, sessionID, source string) (ResumeResult, error) {
	if source == "" {
		source = "manual"
	}
	sess, err := c.getLive(ctx, sessionID)
	if err != nil {
		return ResumeResult{}, err
	}
	if len(sess.Workers) == 0 {
		return ResumeResult{}, &protocol.ValidationError{Field: "workers", Reason: "session has no worker windows to resume"}
	}

	res := ResumeResult{Source: source, Supervisor: TargetResult{TargetID: protocol.SupervisorID}}
	if err := c.rt.Send(sessionID, protocol.SupervisorID, supervisorResumePrompt(sess.Objective, sess.WorkerIDs()), true); err != nil {
		res.Supervisor.Error = err.Error()
	} else {
		res.Supervisor.OK = true
	}

	res.Workers = make([]TargetResult, len(sess.Workers))
	g, _ := errgroup.WithContext(ctx)
	for i, w := range sess.Workers {
		g.Go(func() error {
			r := TargetResult{TargetID: w.ID}
			if err := c.rt.Send(sessionID, w.ID, workerResumePrompt(w.Task), true); err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
			}
			res.Workers[i] = r
			return nil
		})
	}
	_ = g.Wait()

	res.OK = res.Supervisor.OK
	for _, w := range res.Workers {
		res.OK = res.OK && w.OK
	}
	c.Record(ctx, sessionID, protocol.EventResumeRequested, res)
	c.snapshot(ctx, sessionID)
	return res, nil
}

// SendRequest is manual input for one target.
type SendRequest struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Text      string `json:"text"`
	NoEnter   bool   `json:"noEnter,omitempty"`
	Source    string `json:"source,omitempty"`
}

// SendResult acknowledges a manual send.
type SendResult struct {
	OK       bool   `json:"ok"`
	TargetID string `json:"targetId"`
	Length   int    `json:"length"`
}

// SendInput types text into one target. Sends to the supervisor while it has
// pending approvals produce diagnostics, since the agent is blocked on them.
func (c *Coordinator) SendInput(ctx context.Context, req SendRequest) (SendResult, error) {
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		return SendResult{}, &protocol.ValidationError{Field: "sessionId", Reason: "must not be blank"}
	case strings.TrimSpace(req.TargetID) == "":
		return SendResult{}, &protocol.ValidationError{Field: "targetId", Reason: "must not be blank"}
	case strings.TrimSpace(req.Text) == "":
		return SendResult{}, &protocol.ValidationError{Field: "text", Reason: "must not be blank"}
	}
	source := req.Source
	if source == "" {
		source = "manual-console"
	}
	id, target := strings.TrimSpace(req.SessionID), strings.TrimSpace(req.TargetID)

	sess, err := c.getLive(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	if sess.Target(target) == nil {
		return SendResult{}, &protocol.TargetNotFoundError{SessionID: id, TargetID: target}
	}

	length := len([]rune(req.Text))
	if err := c.rt.Send(id, target, req.Text, !req.NoEnter); err != nil {
		c.Record(ctx, id, protocol.EventManualInputFailed, map[string]any{
			"targetId": target, "source": source, "error": err.Error(), "length": length,
		})
		return SendResult{}, err
	}
	preview := []rune(req.Text)
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	c.Record(ctx, id, protocol.EventManualInputSent, map[string]any{
		"targetId": target, "source": source, "length": length, "preview": string(preview),
	})

	if target == protocol.SupervisorID {
		c.checkSupervisorBlocked(ctx, sess, source)
	}
	c.snapshot(ctx, id)
	return SendResult{OK: true, TargetID: target, Length: length}, nil
}

func pendingFor(sess *protocol.Session, targetID string) (int, string) {
	n, first := 0, ""
	for _, a := range sess.Approvals {
		if a.Status == protocol.ApprovalPending && a.TargetID == targetID {
			if n == 0 {
				first = a.ID
			}
			n++
		}
	}
	return n, first
}

func (c *Coordinator) checkSupervisorBlocked(ctx context.Context, sess *protocol.Session, source string) {
	if n, first := pendingFor(sess, protocol.SupervisorID); n > 0 {
		c.Record(ctx, sess.ID, protocol.EventManualInputBlocked, map[string]any{
			"targetId":          protocol.SupervisorID,
			"source":            source,
			"pendingCount":      n,
			"pendingApprovalId": first,
		})
	}

	baseline := sess.Supervisor.LastLine
	id := sess.ID
	c.afterFunc(manualInputWait, func() {
		if c.ctx.Err() != nil {
			return
		}
		latest, err := c.store.GetSession(c.ctx, id)
		if err != nil || latest.Status == protocol.SessionStopped {
			return
		}
		n, _ := pendingFor(latest, protocol.SupervisorID)
		if n == 0 || latest.Supervisor.LastLine != baseline {
			return
		}
		c.Record(c.ctx, id, protocol.EventManualInputNoOutput, map[string]any{
			"targetId":     protocol.SupervisorID,
			"source":       source,
			"waitedMs":     manualInputWait.Milliseconds(),
			"pendingCount": n,
			"lastLine":     latest.Supervisor.LastLine,
		})
	})
}

// ResolveApproval applies a human choice to one approval and persists the
// result. Nothing is persisted when resolution fails.
func (c *Coordinator) ResolveApproval(ctx context.Context, sessionID, approvalID string, choice int, instruction string) (approval.Resolution, error) {
	var res approval.Resolution
	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		if s.Status == protocol.SessionStopped {
			return &protocol.SessionStoppedError{SessionID: sessionID}
		}
		var err error
		res, err = c.broker.Resolve(ctx, s, approvalID, choice, instruction)
		return err
	})
	if err != nil {
		return approval.Resolution{}, err
	}
	c.snapshot(ctx, sessionID)
	return res, nil
}

// ResolveItem is one entry of a batch resolution.
type ResolveItem struct {
	ApprovalID  string `json:"approvalId"`
	Choice      int    `json:"choice"`
	Instruction string `json:"instruction,omitempty"`
}

// ResolveItemResult reports one entry of a batch resolution.
type ResolveItemResult struct {
	ApprovalID string               `json:"approvalId"`
	OK         bool                 `json:"ok"`
	Error      string               `json:"error,omitempty"`
	Result     *approval.Resolution `json:"result,omitempty"`
}

// BatchResult is the outcome of ResolveBatch.
type BatchResult struct {
	OK      bool                `json:"ok"`
	Results []ResolveItemResult `json:"results"`
}

// ResolveBatch resolves approvals one after another. A failed item does not
// stop the rest.
func (c *Coordinator) ResolveBatch(ctx context.Context, sessionID string, items []ResolveItem) BatchResult {
	out := BatchResult{OK: true, Results: make([]ResolveItemResult, 0, len(items))}
	for _, it := range items {
		id := strings.TrimSpace(it.ApprovalID)
		r := ResolveItemResult{ApprovalID: id}
		res, err := c.ResolveApproval(ctx, sessionID, id, it.Choice, it.Instruction)
		if err != nil {
			r.Error = err.Error()
			out.OK = false
		} else {
			r.OK = true
			r.Result = &res
		}
		out.Results = append(out.Results, r)
	}
	return out
}

// StopSession stops the watcher and the terminals and marks the session
// stopped. A terminal stop failure is recorded but does not keep the session
// alive.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	stopErr := c.rt.Stop(sessionID)
	c.stopWatcher(sessionID)

	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		now := c.nowFunc()
		s.Status = protocol.SessionStopped
		s.Supervisor.Status = protocol.TargetStopped
		s.Supervisor.UpdatedAt = now
		for i := range s.Workers {
			s.Workers[i].Status = protocol.TargetStopped
			s.Workers[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return err
	}

	payload := map[string]any{}
	if stopErr != nil {
		c.log.Warn("terminal stop failed", "session", sessionID, "err", stopErr)
		payload["error"] = stopErr.Error()
	}
	c.Record(ctx, sessionID, protocol.EventSessionStopped, payload)
	c.snapshot(ctx, sessionID)
	return nil
}
