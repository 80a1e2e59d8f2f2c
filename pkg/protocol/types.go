package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/ringbuf"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

// Session statuses.
const (
	SessionPlanning     SessionStatus = "planning"
	SessionRunning      SessionStatus = "running"
	SessionPartialError SessionStatus = "partial_error"
	SessionError        SessionStatus = "error"
	SessionStopped      SessionStatus = "stopped"
)

// Recoverable reports whether a session in this status was mid-run when the
// process exited.
func (s SessionStatus) Recoverable() bool {
	switch s {
	case SessionPlanning, SessionRunning, SessionPartialError, SessionError:
		return true
	default:
		return false
	}
}

// Session phases recorded alongside an error status.
const (
	PhasePlanningFailed  = "planning-failed"
	PhaseBootstrapError  = "bootstrap-error"
	PhaseRuntimeLost     = "runtime-lost"
	PhaseRecoveryPending = "recovery-pending"
	PhaseRecovered       = "recovered"
	PhaseDispatched      = "dispatched"
)

// TargetStatus is the status of a single terminal-attached agent.
type TargetStatus string

// Target statuses.
const (
	TargetStarting         TargetStatus = "starting"
	TargetRunning          TargetStatus = "running"
	TargetWaitingUserInput TargetStatus = "waiting_user_input"
	TargetError            TargetStatus = "error"
	TargetStopped          TargetStatus = "stopped"
)

// Role distinguishes the supervisor from workers.
type Role string

// Target roles.
const (
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
)

// RuntimeKind names the terminal backend a session runs on.
type RuntimeKind string

// Terminal backends.
const (
	RuntimeTmux       RuntimeKind = "tmux"
	RuntimeSubprocess RuntimeKind = "subprocess"
)

// PromptKind is the closed set of prompt shapes the classifier recognizes.
type PromptKind uint8

// Prompt kinds. KindNone means no prompt was detected.
const (
	KindNone PromptKind = iota
	KindThreeChoice
	KindYesNo
	KindContinueSuggestion
)

var promptKindNames = [...]string{
	KindNone:               "none",
	KindThreeChoice:        "three_choice",
	KindYesNo:              "yes_no",
	KindContinueSuggestion: "continue_suggestion",
}

func (k PromptKind) String() string {
	if int(k) < len(promptKindNames) {
		return promptKindNames[k]
	}
	return "PromptKind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText encodes the kind by name.
func (k PromptKind) MarshalText() ([]byte, error) {
	if int(k) >= len(promptKindNames) {
		return nil, fmt.Errorf("unknown prompt kind %d", k)
	}
	return []byte(promptKindNames[k]), nil
}

// UnmarshalText decodes a kind name. An empty string decodes to KindNone.
func (k *PromptKind) UnmarshalText(b []byte) error {
	name := string(b)
	if name == "" {
		*k = KindNone
		return nil
	}
	for i, n := range promptKindNames {
		if n == name {
			*k = PromptKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown prompt kind %q", name)
}

// ApprovalStatus is pending until a human or policy resolves it.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalResolved ApprovalStatus = "resolved"
)

// ContinuePolicy decides what happens to continue-suggestion prompts.
type ContinuePolicy string

// Continue-suggestion policies.
const (
	PolicyAutoContinue ContinuePolicy = "auto_continue"
	PolicyQueue        ContinuePolicy = "queue"
)

// ApprovalPolicy holds the per-role continue-suggestion policy of a session.
type ApprovalPolicy struct {
	Supervisor ContinuePolicy `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Worker     ContinuePolicy `json:"worker" yaml:"worker" toml:"worker"`
}

// DefaultApprovalPolicy auto-continues the supervisor and queues workers.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{Supervisor: PolicyAutoContinue, Worker: PolicyQueue}
}

// For returns the effective policy for a role, applying defaults for unset
// fields.
func (p ApprovalPolicy) For(role Role) ContinuePolicy {
	def := DefaultApprovalPolicy()
	if role == RoleSupervisor {
		if p.Supervisor == "" {
			return def.Supervisor
		}
		return p.Supervisor
	}
	if p.Worker == "" {
		return def.Worker
	}
	return p.Worker
}

// Task is one entry of a plan, bound to a worker slot.
type Task struct {
	WorkerIndex int    `json:"workerIndex"`
	WorkerID    string `json:"workerId,omitempty"`
	Title       string `json:"title"`
	Instruction string `json:"instruction"`
	DependsOn   []int  `json:"dependsOn"`
}

// Plan is a structured decomposition of the objective.
type Plan struct {
	Summary string `json:"planSummary"`
	Tasks   []Task `json:"tasks"`
}

// Target is one terminal-attached agent.
type Target struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Status    TargetStatus `json:"status"`
	LastLine  string       `json:"lastLine"`
	LastLines []string     `json:"lastLines"`
	Task      *Task        `json:"task,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Approval is a detected question awaiting resolution.
type Approval struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	TargetID    string         `json:"targetId"`
	Source      string         `json:"source"`
	Fingerprint string         `json:"fingerprint"`
	Kind        PromptKind     `json:"kind"`
	Options     []int          `json:"options"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Choice      int            `json:"choice,omitempty"`
	Instruction string         `json:"instruction,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

// Matches reports whether a matches the (target, fingerprint, kind) triple.
func (a *Approval) Matches(targetID, fingerprint string, kind PromptKind) bool {
	return a.TargetID == targetID && a.Fingerprint == fingerprint && a.Kind == kind
}

// DontAskRule suppresses future identical prompts on one target.
type DontAskRule struct {
	TargetID    string     `json:"targetId"`
	Fingerprint string     `json:"fingerprint"`
	Kind        PromptKind `json:"kind"` // KindNone matches any kind
	CreatedAt   time.Time  `json:"createdAt"`
}

// AutoContinueEntry records one auto-resolved continue suggestion.
type AutoContinueEntry struct {
	TargetID    string     `json:"targetId"`
	Fingerprint string     `json:"fingerprint"`
	Kind        PromptKind `json:"kind"`
	At          time.Time  `json:"at"`
}

// PlanningStatus is the state of the current planning attempt.
type PlanningStatus string

// Planning statuses.
const (
	PlanningIdle      PlanningStatus = "idle"
	PlanningRunning   PlanningStatus = "running"
	PlanningRetrying  PlanningStatus = "retrying"
	PlanningSucceeded PlanningStatus = "succeeded"
	PlanningFailed    PlanningStatus = "failed"
	PlanningFallback  PlanningStatus = "fallback"
)

// PlanningState is the persisted progress of the planning protocol.
type PlanningState struct {
	State       PlanningStatus `json:"state"`
	Phase       string         `json:"phase"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	Message     string         `json:"message"`
	LastError   string         `json:"lastError,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
}

// Session is one coordinated run toward an objective.
type Session struct {
	ID          string        `json:"id"`
	Objective   string        `json:"objective"`
	Workspace   string        `json:"workspace"`
	Status      SessionStatus `json:"status"`
	Phase       string        `json:"phase,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Runtime     RuntimeKind   `json:"runtime"`
	Handle      string        `json:"handle,omitempty"` // multiplexer session name
	WorkerCount int           `json:"workerCount"`

	Supervisor Target   `json:"supervisor"`
	Workers    []Target `json:"workers"`

	Planning PlanningState `json:"planning"`
	Plan     *Plan         `json:"plan,omitempty"`

	Approvals    []Approval                      `json:"approvals"`
	DontAsk      []DontAskRule                   `json:"dontAsk"`
	Policy       ApprovalPolicy                  `json:"policy"`
	AutoContinue ringbuf.Ring[AutoContinueEntry] `json:"autoContinueHistory"`
	DispatchKeys ringbuf.KeySet                  `json:"processedDispatchKeys"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns a session with its bounded buffers allocated and the
// default approval policy.
func NewSession(id, objective, workspace string, workerCount int, now time.Time) *Session {
	return &Session{
		ID:           id,
		Objective:    objective,
		Workspace:    workspace,
		Status:       SessionPlanning,
		WorkerCount:  workerCount,
		Planning:     PlanningState{State: PlanningIdle},
		Policy:       DefaultApprovalPolicy(),
		AutoContinue: ringbuf.New[AutoContinueEntry](AutoContinueHistoryCap),
		DispatchKeys: ringbuf.NewKeySet(DispatchKeyCap),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WorkerID returns the canonical id of the i-th worker (1-based).
func WorkerID(i int) string {
	return WorkerPrefix + strconv.Itoa(i)
}

// Target returns the target with the given id, or nil.
func (s *Session) Target(id string) *Target {
	if id == s.Supervisor.ID {
		return &s.Supervisor
	}
	for i := range s.Workers {
		if s.Workers[i].ID == id {
			return &s.Workers[i]
		}
	}
	return nil
}

// TargetIDs returns the supervisor id followed by every worker id.
func (s *Session) TargetIDs() []string {
	ids := make([]string, 0, len(s.Workers)+1)
	ids = append(ids, s.Supervisor.ID)
	return append(ids, s.WorkerIDs()...)
}

// WorkerIDs returns the worker ids in slot order.
func (s *Session) WorkerIDs() []string {
	ids := make([]string, 0, len(s.Workers))
	for _, w := range s.Workers {
		ids = append(ids, w.ID)
	}
	return ids
}

// Approval returns the approval with the given id, or nil.
func (s *Session) Approval(id string) *Approval {
	for i := range s.Approvals {
		if s.Approvals[i].ID == id {
			return &s.Approvals[i]
		}
	}
	return nil
}

// PendingApprovals returns the number of unresolved approvals.
func (s *Session) PendingApprovals() int {
	n := 0
	for _, a := range s.Approvals {
		if a.Status == ApprovalPending {
			n++
		}
	}
	return n
}

// Summary is the listing view of a session.
type Summary struct {
	ID               string         `json:"id"`
	Objective        string         `json:"objective"`
	Runtime          RuntimeKind    `json:"runtime"`
	Status           SessionStatus  `json:"status"`
	PlanningState    PlanningStatus `json:"planningState"`
	PlanningPhase    string         `json:"planningPhase"`
	WorkerCount      int            `json:"workerCount"`
	PendingApprovals int            `json:"pendingApprovals"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Summarize builds the listing view of s.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:               s.ID,
		Objective:        s.Objective,
		Runtime:          s.Runtime,
		Status:           s.Status,
		PlanningState:    s.Planning.State,
		PlanningPhase:    s.Planning.Phase,
		WorkerCount:      len(s.Workers),
		PendingApprovals: s.PendingApprovals(),
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// Clone returns a deep copy of s via its JSON encoding.
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone session %s: %w", s.ID, err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone session %s: %w", s.ID, err)
	}
	return &out, nil
}

// NormalizeText collapses whitespace runs to one space and trims.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DispatchKey is the dedup key of a directive: target id plus normalized,
// lower-cased instruction.
func DispatchKey(targetID, instruction string) string {
	return targetID + "::" + strings.ToLower(NormalizeText(instruction))
}
