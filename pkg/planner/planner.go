// Package planner drives the supervisor agent through the planning
// protocol: wait until it is ready, prompt for a structured plan, poll its
// output, ask once for a format repair, retry, and finally fail or fall back
// to a locally synthesized plan.
package planner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"foreman/pkg/intent"
	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// Outcome classifies a planning result.
type Outcome string

// Planning outcomes. OutcomeRetrying is only reported through progress and
// for a single attempt; RequestPlan always ends in one of the other three.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeFallback  Outcome = "fallback"
)

// Progress phases.
const (
	PhaseStart      = "start"
	PhaseWaitReady  = "supervisor-wait-ready"
	PhaseAttempt    = "attempt"
	PhaseRepair     = "repair-attempt"
	PhaseRetry      = "retry"
	PhaseSucceeded  = "succeeded"
	PhaseFallback   = "fallback"
	PhaseStrict     = "strict-failed"
	PhaseSendFailed = "send-failed"
)

// Result is the outcome of a planning run or a single attempt.
type Result struct {
	Outcome  Outcome
	Plan     *protocol.Plan
	Reason   string
	Phase    string // final phase; distinguishes strict failure from send failure
	Attempts int
	Repaired bool
}

// OK reports whether the result carries a usable plan.
func (r Result) OK() bool {
	return r.Plan != nil && (r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeFallback)
}

// Request describes one planning run.
type Request struct {
	SessionID     string
	Objective     string
	WorkerCount   int
	AllowFallback bool
	MaxRetries    int // extra attempts after the first; negative means Config.MaxRetries

	// OnProgress receives every state transition. Errors is a copy.
	OnProgress func(protocol.PlanningState)
}

// Config holds the protocol timings.
type Config struct {
	PollInterval  time.Duration // plan polling interval (default 1.8s)
	PlanTimeout   time.Duration // per-attempt plan wait (default 180s)
	RepairTimeout time.Duration // format repair wait (default 90s)
	ReadyInterval time.Duration // readiness polling interval (default 1.2s)
	ReadyTimeout  time.Duration // readiness wait (default 90s)
	ReplanTimeout time.Duration // re-plan directive wait (default 60s)
	MaxRetries    int           // default extra attempts (default 2)

	// Ready decides whether the supervisor accepts input. Nil means ProbeReady.
	Ready func(lines []string) bool

	Logger *slog.Logger
}

// Capture sizes for each wait.
const (
	readyCaptureLines  = 180
	planCaptureLines   = 1500
	replanCaptureLines = 220
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 1800 * time.Millisecond
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = 180 * time.Second
	}
	if c.RepairTimeout <= 0 {
		c.RepairTimeout = 90 * time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 1200 * time.Millisecond
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 90 * time.Second
	}
	if c.ReplanTimeout <= 0 {
		c.ReplanTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Ready == nil {
		c.Ready = ProbeReady
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Planner runs the planning protocol against a session's supervisor.
type Planner struct {
	io  terminal.IO
	rec protocol.Recorder
	cfg Config
	log *slog.Logger

	// nowFunc and sleep allow tests to run the protocol without waiting.
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Planner.
func New(tio terminal.IO, rec protocol.Recorder, cfg Config) *Planner {
	cfg = cfg.withDefaults()
	return &Planner{
		io:      tio,
		rec:     rec,
		cfg:     cfg,
		log:     cfg.Logger,
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run tracks the mutable state of one RequestPlan call.
type run struct {
	req    Request
	total  int
	errors []string
}

func (r *run) report(state protocol.PlanningStatus, phase string, attempt int, message, lastErr string) {
	if r.req.OnProgress == nil {
		return
	}
	r.req.OnProgress(protocol.PlanningState{
		State:       state,
		Phase:       phase,
		Attempt:     attempt,
		MaxAttempts: r.total,
		Message:     message,
		LastError:   lastErr,
		Errors:      append([]string(nil), r.errors...),
	})
}

func (r *run) lastError() string {
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[len(r.errors)-1]
}

// RequestPlan runs the full protocol. It never returns OutcomeRetrying.
func (p *Planner) RequestPlan(ctx context.Context, req Request) Result {
	retries := req.MaxRetries
	if retries < 0 {
		retries = p.cfg.MaxRetries
	}
	r := &run{req: req, total: retries + 1}
	log := p.log.With("session", req.SessionID)

	r.report(protocol.PlanningRunning, PhaseStart, 0, "Supervisor is starting to plan", "")
	r.report(protocol.PlanningRunning, PhaseWaitReady, 0, "Waiting for the supervisor window to become ready", "")

	if err := p.waitReady(ctx, req.SessionID); err != nil {
		r.errors = append(r.errors, err.Error())
		log.Warn("supervisor not ready", "err", err)
		if req.AllowFallback {
			return p.fallback(ctx, r, 0, "Supervisor window was not ready; using the local fallback split")
		}
		r.report(protocol.PlanningFailed, PhaseStrict, 0, "Supervisor window was not ready; strict mode stopped this planning run", err.Error())
		return Result{Outcome: OutcomeFailed, Phase: PhaseStrict, Reason: "strict planning failed: " + err.Error()}
	}

	for attempt := 1; attempt <= r.total; attempt++ {
		prev := r.lastError()
		r.report(protocol.PlanningRunning, PhaseAttempt, attempt, fmt.Sprintf("Supervisor planning attempt %d", attempt), prev)

		prompt := PlanPrompt(req.Objective, req.WorkerCount, attempt, r.total, prev)
		if err := p.io.Send(req.SessionID, protocol.SupervisorID, prompt, true); err != nil {
			msg := "sending the plan prompt to the supervisor failed: " + err.Error()
			r.errors = append(r.errors, msg)
			r.report(protocol.PlanningFailed, PhaseSendFailed, attempt, msg, msg)
			return Result{Outcome: OutcomeFailed, Phase: PhaseSendFailed, Reason: msg, Attempts: attempt}
		}

		res := p.waitForPlan(ctx, req.SessionID, req.WorkerCount, p.cfg.PlanTimeout)
		if res.OK() {
			p.rec.Record(ctx, req.SessionID, protocol.EventPlanReceived, res.Plan)
			r.report(protocol.PlanningSucceeded, PhaseSucceeded, attempt, "Supervisor plan accepted; dispatching tasks", "")
			res.Attempts = attempt
			res.Phase = PhaseSucceeded
			return res
		}
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeFailed, Phase: PhaseStrict, Reason: ctx.Err().Error(), Attempts: attempt}
		}

		reason := res.Reason
		r.report(protocol.PlanningRunning, PhaseRepair, attempt, "Supervisor output did not parse; asking for a format repair", reason)
		repaired := p.repair(ctx, req.SessionID, req.WorkerCount, reason)
		if repaired.OK() {
			p.rec.Record(ctx, req.SessionID, protocol.EventPlanRepaired, map[string]any{
				"attempt": attempt,
				"reason":  reason,
				"plan":    repaired.Plan,
			})
			r.report(protocol.PlanningSucceeded, PhaseSucceeded, attempt, "Supervisor output was repaired into a structured plan; dispatching tasks", "")
			repaired.Attempts = attempt
			repaired.Repaired = true
			repaired.Phase = PhaseSucceeded
			return repaired
		}

		combined := fmt.Sprintf("planning failed: %s; format repair failed: %s", reason, repaired.Reason)
		r.errors = append(r.errors, combined)
		p.rec.Record(ctx, req.SessionID, protocol.EventPlanRetry, map[string]any{
			"attempt": attempt,
			"error":   combined,
		})
		log.Info("planning attempt failed", "attempt", attempt, "of", r.total, "err", combined)

		state, msg := protocol.PlanningRetrying, fmt.Sprintf("Attempt %d failed; retrying", attempt)
		if attempt == r.total {
			state = protocol.PlanningFailed
			msg = "Planning retries exhausted; strict mode stops here"
			if req.AllowFallback {
				msg = "Planning retries exhausted; switching to the fallback split"
			}
		}
		r.report(state, PhaseRetry, attempt, msg, combined)
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeFailed, Phase: PhaseStrict, Reason: ctx.Err().Error(), Attempts: attempt}
		}
	}

	if req.AllowFallback {
		return p.fallback(ctx, r, r.total, "Using the local fallback split")
	}
	latest := r.lastError()
	if latest == "" {
		latest = "supervisor planning failed"
	}
	r.report(protocol.PlanningFailed, PhaseStrict, r.total, "Supervisor gave no parseable plan; strict mode stopped", latest)
	return Result{Outcome: OutcomeFailed, Phase: PhaseStrict, Reason: "strict planning failed: " + latest, Attempts: r.total}
}

func (p *Planner) fallback(ctx context.Context, r *run, attempt int, message string) Result {
	plan := FallbackPlan(r.req.Objective, r.req.WorkerCount)
	p.rec.Record(ctx, r.req.SessionID, protocol.EventPlanFallback, plan)
	r.report(protocol.PlanningFallback, PhaseFallback, attempt, message, r.lastError())
	return Result{Outcome: OutcomeFallback, Plan: &plan, Phase: PhaseFallback, Reason: r.lastError(), Attempts: attempt}
}

// waitReady polls the supervisor until Config.Ready accepts its output.
func (p *Planner) waitReady(ctx context.Context, sessionID string) error {
	start := p.nowFunc()
	var last string
	for p.nowFunc().Sub(start) < p.cfg.ReadyTimeout {
		if err := p.sleep(ctx, p.cfg.ReadyInterval); err != nil {
			return err
		}
		c, err := p.io.Capture(sessionID, protocol.SupervisorID, readyCaptureLines)
		if err != nil {
			continue
		}
		text := strings.Join(c.Lines, "\n")
		if text == "" || text == last {
			continue
		}
		last = text
		if p.cfg.Ready(c.Lines) {
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for the supervisor window to become ready")
}

// repair sends the format-repair prompt and waits for a plan once more.
func (p *Planner) repair(ctx context.Context, sessionID string, workerCount int, reason string) Result {
	if err := p.io.Send(sessionID, protocol.SupervisorID, RepairPrompt(workerCount, reason), true); err != nil {
		return Result{Outcome: OutcomeRetrying, Reason: "sending the format repair prompt failed: " + err.Error()}
	}
	return p.waitForPlan(ctx, sessionID, workerCount, p.cfg.RepairTimeout)
}

// waitForPlan polls the supervisor output until a plan both parses and
// normalizes, or timeout elapses. A failed wait has OutcomeRetrying.
func (p *Planner) waitForPlan(ctx context.Context, sessionID string, workerCount int, timeout time.Duration) Result {
	start := p.nowFunc()
	var (
		last         string
		parseSignals int
		lastReason   string
	)
	for p.nowFunc().Sub(start) < timeout {
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return Result{Outcome: OutcomeRetrying, Reason: err.Error()}
		}
		c, err := p.io.Capture(sessionID, protocol.SupervisorID, planCaptureLines)
		if err != nil {
			continue
		}
		text := strings.Join(c.Lines, "\n")
		if text == "" || text == last {
			continue
		}
		last = text

		parsed := intent.ExtractPlanDetailed(text)
		if parsed.Plan == nil {
			parseSignals++
			if n := len(parsed.Rejections); n > 0 {
				p.log.Debug("plan candidates rejected", "session", sessionID, "count", n, "last", parsed.Rejections[n-1].Reason)
			}
			continue
		}
		plan, err := NormalizePlan(parsed.Plan, workerCount)
		if err != nil {
			parseSignals++
			lastReason = err.Error()
			continue
		}
		return Result{Outcome: OutcomeSucceeded, Plan: plan}
	}

	reason := lastReason
	switch {
	case reason != "":
	case parseSignals > 0:
		reason = "supervisor produced output but the structured block was incomplete or did not match the schema"
	default:
		reason = "timed out waiting for the supervisor plan"
	}
	return Result{Outcome: OutcomeRetrying, Reason: reason}
}
