// Package rpc exposes the coordinator over a Unix domain socket.
//
// The wire format is newline-delimited JSON. A client writes one Request
// line and reads one Response line, except for events.subscribe, which
// answers with an acknowledgement followed by one event per line until
// either side hangs up.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// Operations accepted by the server.
const (
	OpSessionList   = "session.list"
	OpSessionGet    = "session.get"
	OpSessionCreate = "session.create"
	OpSessionReplan = "session.replan"
	OpSessionResume = "session.resume"
	OpSessionSend   = "session.send"
	OpSessionStop   = "session.stop"
	OpResolve       = "approval.resolve"
	OpResolveBatch  = "approval.resolve_batch"
	OpSubscribe     = "events.subscribe"
)

// Error codes carried by failed responses.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeBusy       = "busy"
	CodeStopped    = "stopped"
	CodeApproval   = "approval"
	CodeTransport  = "transport"
	CodeInternal   = "internal"
)

// maxLine bounds one request or response line.
const maxLine = 4 << 20

// Request is one client call.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Result any    `json:"result,omitempty"`
}

// SessionArgs names one session.
type SessionArgs struct {
	SessionID string `json:"sessionId"`
}

// ResumeArgs are the arguments of session.resume.
type ResumeArgs struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source,omitempty"`
}

// ResolveArgs are the arguments of approval.resolve.
type ResolveArgs struct {
	SessionID   string `json:"sessionId"`
	ApprovalID  string `json:"approvalId"`
	Choice      int    `json:"choice"`
	Instruction string `json:"instruction,omitempty"`
}

// ResolveBatchArgs are the arguments of approval.resolve_batch.
type ResolveBatchArgs struct {
	SessionID string                    `json:"sessionId"`
	Items     []coordinator.ResolveItem `json:"items"`
}

// SubscribeArgs select the session to stream. An empty id streams all.
type SubscribeArgs struct {
	SessionID string `json:"sessionId,omitempty"`
}

// StopResult acknowledges session.stop.
type StopResult struct {
	SessionID string `json:"sessionId"`
	Stopped   bool   `json:"stopped"`
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// failure converts err into a failed response.
func failure(err error) Response {
	return Response{OK: false, Error: err.Error(), Code: codeOf(err)}
}

func codeOf(err error) string {
	var (
		ve  *protocol.ValidationError
		snf *protocol.SessionNotFoundError
		tnf *protocol.TargetNotFoundError
		pb  *protocol.PlanningBusyError
		ss  *protocol.SessionStoppedError
		ae  *protocol.ApprovalError
		te  *protocol.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &snf), errors.As(err, &tnf):
		return CodeNotFound
	case errors.As(err, &pb):
		return CodeBusy
	case errors.As(err, &ss):
		return CodeStopped
	case errors.As(err, &ae):
		return CodeApproval
	case errors.As(err, &te):
		return CodeTransport
	default:
		return CodeInternal
	}
}
