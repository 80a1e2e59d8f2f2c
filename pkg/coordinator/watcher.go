package coordinator

import (
	"context"
	"slices"
	"strings"
	"time"

	"foreman/pkg/intent"
	"foreman/pkg/protocol"
)

// watchCaptureLines is the tail read from every target on each tick.
const watchCaptureLines = 160

// directiveSource tags events produced from supervisor output.
const directiveSource = "supervisor-structured-output"

func (c *Coordinator) startWatcher(sessionID string) {
	c.mu.Lock()
	if _, running := c.watchers[sessionID]; running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watchers[sessionID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.tick(ctx, sessionID) {
					c.stopWatcher(sessionID)
					return
				}
			}
		}
	}()
}

func (c *Coordinator) stopWatcher(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.watchers[sessionID]; ok {
		cancel()
		delete(c.watchers, sessionID)
	}
}

// Watching reports whether a session has an active watcher.
func (c *Coordinator) Watching(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[sessionID]
	return ok
}

// tick refreshes cached output, forwards new supervisor directives and runs
// the approval scan. It returns false when the session is gone or stopped
// and the watcher should exit.
func (c *Coordinator) tick(ctx context.Context, sessionID string) bool {
	l := c.lock(sessionID)
	if !l.TryLock() {
		return true
	}
	defer l.Unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return false
		}
		c.log.Warn("watcher read failed", "session", sessionID, "err", err)
		return true
	}
	if sess.Status == protocol.SessionStopped {
		return false
	}

	changed := false
	captures := make(map[string][]string, len(sess.Workers)+1)
	for _, id := range sess.TargetIDs() {
		capt, err := c.rt.Capture(sessionID, id, watchCaptureLines)
		if err != nil {
			c.log.Debug("capture failed", "session", sessionID, "target", id, "err", err)
			continue
		}
		captures[id] = capt.Lines
		t := sess.Target(id)
		if t.LastLine != capt.LastLine || !slices.Equal(t.LastLines, capt.Lines) {
			t.LastLine = capt.LastLine
			t.LastLines = capt.Lines
			t.UpdatedAt = c.nowFunc()
			changed = true
		}
	}

	if lines, ok := captures[protocol.SupervisorID]; ok {
		directives := intent.ExtractDirectives(strings.Join(lines, "\n"), sess.WorkerIDs())
		if c.applyDirectives(ctx, sess, directives) {
			changed = true
		}
	}

	if c.broker.Scan(ctx, sess, captures) {
		changed = true
	}

	if changed {
		if err := c.store.SaveSession(ctx, sess); err != nil {
			c.log.Warn("watcher save failed", "session", sessionID, "err", err)
			return true
		}
		c.snapshot(ctx, sessionID)
	}
	return true
}

// directiveEvent is the payload of supervisor dispatch events.
type directiveEvent struct {
	WorkerID    string `json:"workerId"`
	Instruction string `json:"instruction"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Source      string `json:"source"`
}

// applyDirectives forwards every directive not seen before. Placeholder
// directives are marked seen but never sent. It reports whether any
// directive was processed.
func (c *Coordinator) applyDirectives(ctx context.Context, sess *protocol.Session, directives []intent.Dispatch) bool {
	applied := false
	for _, d := range directives {
		workerID := strings.TrimSpace(d.WorkerID)
		instruction := protocol.NormalizeText(d.Instruction)
		if workerID == "" || instruction == "" {
			continue
		}
		key := protocol.DispatchKey(workerID, instruction)
		if sess.DispatchKeys.Has(key) {
			continue
		}
		sess.DispatchKeys.Add(key)
		applied = true

		ev := directiveEvent{WorkerID: workerID, Instruction: instruction, Source: directiveSource}
		if reason := intent.PlaceholderReason(instruction); reason != "" {
			ev.Reason = reason
			c.Record(ctx, sess.ID, protocol.EventDispatchRejected, ev)
			continue
		}

		target := sess.Target(workerID)
		switch {
		case target == nil || target.Role != protocol.RoleWorker:
			ev.Error = "no worker named " + workerID
		default:
			if err := c.rt.Send(sess.ID, workerID, instruction, true); err != nil {
				ev.Error = err.Error()
			} else {
				ev.OK = true
				target.Status = protocol.TargetRunning
				target.UpdatedAt = c.nowFunc()
			}
		}
		typ := protocol.EventDispatchApplied
		if !ev.OK {
			typ = protocol.EventDispatchFailed
		}
		c.Record(ctx, sess.ID, typ, ev)
	}
	return applied
}
