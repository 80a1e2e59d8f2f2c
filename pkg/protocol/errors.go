package protocol

import "fmt"

// ValidationError reports input rejected before it reaches a terminal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SessionNotFoundError represents a session lookup failure.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// TargetNotFoundError represents a target lookup failure inside a session.
type TargetNotFoundError struct {
	SessionID string
	TargetID  string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target %s not found in session %s", e.TargetID, e.SessionID)
}

// ApprovalError is returned by approval resolution. No state is mutated when
// it is returned.
type ApprovalError struct {
	ApprovalID string
	Reason     string // unknown, already resolved, missing instruction, ...
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("approval %s: %s", e.ApprovalID, e.Reason)
}

// TransportError represents a failed terminal injection or capture.
type TransportError struct {
	TargetID string
	Op       string // start, send, capture, attach, stop
	Reason   string
}

func (e *TransportError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("terminal %s failed: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("terminal %s on %s failed: %s", e.Op, e.TargetID, e.Reason)
}

// RuntimeLostError marks a session whose terminals could not be re-attached
// after a process restart.
type RuntimeLostError struct {
	SessionID string
	Reason    string
}

func (e *RuntimeLostError) Error() string {
	return fmt.Sprintf("session %s runtime lost: %s", e.SessionID, e.Reason)
}

// PlanningBusyError is returned when a planning job is already in flight.
type PlanningBusyError struct {
	SessionID string
}

func (e *PlanningBusyError) Error() string {
	return fmt.Sprintf("session %s is already planning", e.SessionID)
}

// SessionStoppedError is returned for operations on a stopped session.
type SessionStoppedError struct {
	SessionID string
}

func (e *SessionStoppedError) Error() string {
	return fmt.Sprintf("session %s is stopped", e.SessionID)
}
