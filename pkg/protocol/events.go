package protocol

import (
	"context"
	"time"
)

// EventType names a session event. The same names are used for persisted log
// entries and for live events.
type EventType string

// Live and persisted event types.
const (
	EventSessionCreated     EventType = "session_created"
	EventSessionUpdated     EventType = "session-updated"
	EventSessionStopped     EventType = "session_stopped"
	EventSessionRecovered   EventType = "session-recovered"
	EventSessionRecoverFail EventType = "session_recover_failed"
	EventResumeRequested    EventType = "session-resume-requested"
	EventBootstrapFailed    EventType = "session_bootstrap_failed"
	EventWorkerLog          EventType = "worker-log"

	EventPlanningStatus    EventType = "planning_status_updated"
	EventPlanningCompleted EventType = "planning_cycle_completed"
	EventPlanningRetrigger EventType = "planning_manual_retriggered"
	EventPlanningManualErr EventType = "planning_manual_failed"
	EventPlanReceived      EventType = "supervisor_plan_received"
	EventPlanRepaired      EventType = "supervisor_plan_repaired"
	EventPlanRetry         EventType = "supervisor_plan_retry"
	EventPlanFallback      EventType = "supervisor_plan_fallback"
	EventTaskDispatched    EventType = "worker_task_dispatched"

	EventApprovalCreated      EventType = "approval-created"
	EventApprovalResolved     EventType = "approval-resolved"
	EventApprovalAutoResolved EventType = "approval_auto_resolved"
	EventAutoContinued        EventType = "approval-auto-continued"
	EventAutoContinueFailed   EventType = "approval-auto-continue-failed"

	EventDispatchApplied  EventType = "supervisor-dispatch-applied"
	EventDispatchFailed   EventType = "supervisor-dispatch-failed"
	EventDispatchRejected EventType = "supervisor-dispatch-rejected-example"

	EventManualInputSent     EventType = "manual-input-sent"
	EventManualInputFailed   EventType = "manual_input_failed"
	EventManualInputBlocked  EventType = "manual-input-blocked-by-pending"
	EventManualInputNoOutput EventType = "manual-input-no-output-timeout"
)

// Event is one entry of the session event stream.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Recorder persists a session event and publishes it to live subscribers.
// Recording is best-effort: implementations log failures instead of
// returning them.
type Recorder interface {
	Record(ctx context.Context, sessionID string, typ EventType, payload any)
}
