package coordinator

import (
	"context"
	"fmt"

	"foreman/pkg/protocol"
)

// recoveryPendingMessage tells the operator planning must be re-triggered.
const recoveryPendingMessage = "Reconnected after a restart; planning was not resumed automatically. Re-trigger planning manually."

// Recover re-attaches every session left unfinished by a previous process.
// Only tmux sessions survive a restart; everything else is marked as having
// lost its runtime. A session that was planning is parked in error until a
// human re-triggers planning.
func (c *Coordinator) Recover(ctx context.Context) error {
	ids, err := c.store.ListSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		sess, err := c.store.GetSession(ctx, id)
		if err != nil {
			c.log.Warn("recover: read session", "session", id, "err", err)
			continue
		}
		if !sess.Status.Recoverable() {
			continue
		}
		c.recoverOne(ctx, sess)
	}
	return nil
}

func (c *Coordinator) recoverOne(ctx context.Context, sess *protocol.Session) {
	id := sess.ID
	if sess.Runtime != protocol.RuntimeTmux || sess.Handle == "" {
		c.markRuntimeLost(ctx, id, "unsupported-runtime", map[string]any{
			"reason":  "unsupported-runtime",
			"runtime": sess.Runtime,
		})
		return
	}
	if err := c.rt.Attach(id, sess.Handle, sess.TargetIDs()); err != nil {
		c.markRuntimeLost(ctx, id, err.Error(), map[string]any{
			"reason": err.Error(),
			"handle": sess.Handle,
		})
		return
	}

	c.startWatcher(id)
	needsReplan := sess.Status == protocol.SessionPlanning ||
		sess.Planning.State == protocol.PlanningRunning ||
		sess.Planning.State == protocol.PlanningRetrying

	_, err := c.update(ctx, id, func(s *protocol.Session) error {
		now := c.nowFunc()
		if needsReplan {
			s.Status = protocol.SessionError
			s.Phase = protocol.PhaseRecoveryPending
			s.LastError = recoveryPendingMessage
			s.Planning.State = protocol.PlanningFailed
			s.Planning.Phase = protocol.PhaseRecoveryPending
			s.Planning.Message = recoveryPendingMessage
			s.Planning.LastError = recoveryPendingMessage
			s.Planning.FinishedAt = &now
			return nil
		}
		s.Phase = protocol.PhaseRecovered
		return nil
	})
	if err != nil {
		c.log.Warn("recover: update session", "session", id, "err", err)
	}
	c.log.Info("session recovered", "session", id, "handle", sess.Handle, "needsReplan", needsReplan)
	c.Record(ctx, id, protocol.EventSessionRecovered, map[string]any{
		"runtime":                    sess.Runtime,
		"handle":                     sess.Handle,
		"autoResumeTriggered":        false,
		"needManualPlanningRecovery": needsReplan,
	})
	c.snapshot(ctx, id)
}

func (c *Coordinator) markRuntimeLost(ctx context.Context, sessionID, reason string, payload map[string]any) {
	lost := &protocol.RuntimeLostError{SessionID: sessionID, Reason: reason}
	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		now := c.nowFunc()
		s.Status = protocol.SessionError
		s.Phase = protocol.PhaseRuntimeLost
		s.LastError = lost.Error()
		s.Planning.State = protocol.PlanningFailed
		s.Planning.Phase = protocol.PhaseRuntimeLost
		s.Planning.Message = lost.Error()
		s.Planning.LastError = lost.Error()
		s.Planning.FinishedAt = &now
		return nil
	})
	if err != nil {
		c.log.Warn("recover: update session", "session", sessionID, "err", err)
	}
	c.log.Warn("session runtime lost", "session", sessionID, "reason", reason)
	c.Record(ctx, sessionID, protocol.EventSessionRecoverFail, payload)
	c.snapshot(ctx, sessionID)
}
