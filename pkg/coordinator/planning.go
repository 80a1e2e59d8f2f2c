package coordinator

import (
	"context"

	"foreman/pkg/dispatch"
	"foreman/pkg/planner"
	"foreman/pkg/protocol"
)

// Planning phases set by the coordinator around the planner's own phases.
const (
	PhaseManualStart = "manual-start"
	PhaseDispatching = "dispatching"
	PhaseCompleted   = "completed"
)

// Planning triggers.
const (
	TriggerInitial = "initial"
	TriggerManual  = "manual"
)

// planningEvent is the payload of planning_status_updated.
type planningEvent struct {
	protocol.PlanningState
	Trigger string `json:"trigger"`
}

// startPlanning runs one planning cycle in the background. The caller must
// have claimed the job with claimPlanning.
func (c *Coordinator) startPlanning(sessionID, objective string, workerCount int, trigger string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.releasePlanning(sessionID)
		c.runPlanning(c.ctx, sessionID, objective, workerCount, trigger)
	}()
}

func (c *Coordinator) runPlanning(ctx context.Context, sessionID, objective string, workerCount int, trigger string) {
	log := c.log.With("session", sessionID, "trigger", trigger)

	res := c.planner.RequestPlan(ctx, planner.Request{
		SessionID:     sessionID,
		Objective:     objective,
		WorkerCount:   workerCount,
		AllowFallback: c.cfg.AllowFallback,
		MaxRetries:    c.cfg.MaxRetries,
		OnProgress: func(ps protocol.PlanningState) {
			c.applyProgress(ctx, sessionID, trigger, ps)
		},
	})
	if ctx.Err() != nil {
		return
	}

	if !res.OK() {
		log.Warn("planning failed", "phase", res.Phase, "reason", res.Reason)
		c.failPlanning(ctx, sessionID, trigger, res)
		return
	}

	stopped := false
	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		if s.Status == protocol.SessionStopped {
			stopped = true
			return nil
		}
		s.Plan = res.Plan
		for i := range s.Workers {
			if i < len(res.Plan.Tasks) {
				task := res.Plan.Tasks[i]
				s.Workers[i].Task = &task
			}
		}
		s.Planning.State = protocol.PlanningSucceeded
		if res.Outcome == planner.OutcomeFallback {
			s.Planning.State = protocol.PlanningFallback
		}
		s.Planning.Phase = PhaseDispatching
		s.Planning.Message = "Supervisor planning finished; dispatching to worker windows"
		now := c.nowFunc()
		s.Planning.FinishedAt = &now
		return nil
	})
	if err != nil || stopped {
		if err != nil {
			log.Error("store plan", "err", err)
		}
		return
	}
	c.snapshot(ctx, sessionID)

	results := c.dispatch.Dispatch(ctx, sessionID, res.Plan)
	allOK := dispatch.AllOK(results)

	_, err = c.update(ctx, sessionID, func(s *protocol.Session) error {
		if s.Status == protocol.SessionStopped {
			return nil
		}
		for _, r := range results {
			if t := s.Target(r.WorkerID); t != nil {
				t.Status = protocol.TargetRunning
				if !r.OK {
					t.Status = protocol.TargetError
				}
				t.UpdatedAt = c.nowFunc()
			}
		}
		s.Status = protocol.SessionPartialError
		s.Planning.Message = "Tasks dispatched, but some worker windows failed"
		if allOK {
			s.Status = protocol.SessionRunning
			s.Planning.Message = "All tasks dispatched"
		}
		s.Phase = protocol.PhaseDispatched
		s.LastError = ""
		s.Planning.Phase = PhaseCompleted
		return nil
	})
	if err != nil {
		log.Error("store dispatch results", "err", err)
		return
	}
	c.Record(ctx, sessionID, protocol.EventPlanningCompleted, map[string]any{
		"trigger": trigger,
		"ok":      allOK,
		"results": results,
	})
	c.snapshot(ctx, sessionID)
}

func (c *Coordinator) applyProgress(ctx context.Context, sessionID, trigger string, ps protocol.PlanningState) {
	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		started := s.Planning.StartedAt
		if started == nil {
			now := c.nowFunc()
			started = &now
		}
		ps.StartedAt = started
		switch ps.State {
		case protocol.PlanningSucceeded, protocol.PlanningFailed, protocol.PlanningFallback:
			now := c.nowFunc()
			ps.FinishedAt = &now
		default:
			ps.FinishedAt = nil
		}
		s.Planning = ps
		return nil
	})
	if err != nil {
		c.log.Warn("store planning progress", "session", sessionID, "err", err)
		return
	}
	c.Record(ctx, sessionID, protocol.EventPlanningStatus, planningEvent{PlanningState: ps, Trigger: trigger})
	c.snapshot(ctx, sessionID)
}

func (c *Coordinator) failPlanning(ctx context.Context, sessionID, trigger string, res planner.Result) {
	phase := protocol.PhaseBootstrapError
	if res.Phase == planner.PhaseStrict {
		phase = protocol.PhasePlanningFailed
	}
	_, err := c.update(ctx, sessionID, func(s *protocol.Session) error {
		if s.Status == protocol.SessionStopped {
			return nil
		}
		now := c.nowFunc()
		s.Status = protocol.SessionError
		s.Phase = phase
		s.LastError = res.Reason
		s.Planning.State = protocol.PlanningFailed
		s.Planning.Phase = phase
		s.Planning.Message = res.Reason
		s.Planning.LastError = res.Reason
		s.Planning.FinishedAt = &now
		return nil
	})
	if err != nil {
		c.log.Error("store planning failure", "session", sessionID, "err", err)
	}

	typ := protocol.EventBootstrapFailed
	if trigger == TriggerManual {
		typ = protocol.EventPlanningManualErr
	}
	c.Record(ctx, sessionID, typ, map[string]any{"message": res.Reason, "phase": phase, "trigger": trigger})
	c.snapshot(ctx, sessionID)
}

func (c *Coordinator) startingPlanningState(trigger string) protocol.PlanningState {
	now := c.nowFunc()
	ps := protocol.PlanningState{
		State:       protocol.PlanningRunning,
		Phase:       planner.PhaseStart,
		MaxAttempts: c.cfg.MaxRetries + 1,
		Message:     "Supervisor is preparing the split",
		StartedAt:   &now,
	}
	if trigger == TriggerManual {
		ps.Phase = PhaseManualStart
		ps.Message = "Planning manually re-triggered"
	}
	return ps
}
