// Package terminal is the control plane for agent-bearing terminals. It
// starts, attaches to and stops one terminal per target, injects text and
// captures recent output, on top of either tmux (one window per target,
// re-attachable after a restart) or plain piped child processes.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"foreman/pkg/protocol"
)

// Runtime preferences accepted by StartRequest.Preferred.
const (
	PreferHybrid     = "hybrid"
	PreferTmux       = "tmux"
	PreferSubprocess = "subprocess"
)

// StartRequest describes the terminals to launch for a session.
type StartRequest struct {
	SessionID         string
	Workspace         string
	WorkerCount       int
	SupervisorCommand string
	WorkerCommand     string
	Preferred         string // hybrid (default), tmux or subprocess
}

// StartResult identifies what was launched.
type StartResult struct {
	Runtime      protocol.RuntimeKind
	SupervisorID string
	WorkerIDs    []string
	Handle       string // tmux session name; empty for subprocess
}

// Capture is a snapshot of a target's recent output.
type Capture struct {
	Lines    []string
	LastLine string
}

// OutputEvent announces new output written by a subprocess target.
type OutputEvent struct {
	SessionID string
	TargetID  string
	Lines     []string
	LastLine  string
}

// IO is the part of the control plane used to talk to agents.
type IO interface {
	Send(sessionID, targetID, text string, pressEnter bool) error
	Capture(sessionID, targetID string, lines int) (Capture, error)
}

// Config configures a Manager.
type Config struct {
	Runner        CmdRunner    // nil means ExecRunner
	Path          string       // base PATH for discovery; "" means $PATH
	TmuxBinary    string       // skip discovery and use this binary
	OpenTerminals bool         // open a Terminal.app tab per tmux target on macOS
	Logger        *slog.Logger // nil discards
	OutputBuffer  int          // capacity of the Output channel (default 256)
}

// Manager routes control-plane calls to the backend each session runs on.
// It is safe for concurrent use.
type Manager struct {
	cfg   Config
	tmux  *tmuxBackend
	procs *processBackend
	log   *slog.Logger
	out   chan OutputEvent

	mu        sync.Mutex
	tmuxBin   string
	tmuxSess  map[string]*tmuxSession
	procSess  map[string]*processSession
	isDarwin  bool
	tabOpener func(*tmuxSession)
}

// Runtime is the full control-plane contract implemented by Manager.
type Runtime interface {
	IO
	Start(req StartRequest) (StartResult, error)
	Attach(sessionID, handle string, targetIDs []string) error
	Stop(sessionID string) error
	Output() <-chan OutputEvent
}

var _ Runtime = (*Manager)(nil)

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{}
	}
	if cfg.Path == "" {
		cfg.Path = os.Getenv("PATH")
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 256
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		cfg:      cfg,
		tmux:     &tmuxBackend{runner: cfg.Runner},
		log:      log,
		out:      make(chan OutputEvent, cfg.OutputBuffer),
		tmuxSess: make(map[string]*tmuxSession),
		procSess: make(map[string]*processSession),
		isDarwin: runtime.GOOS == "darwin",
	}
	m.procs = &processBackend{env: RuntimeEnv(), emit: m.emit}
	m.tabOpener = m.tmux.openTabs
	return m
}

// Output delivers subprocess output events. Events are dropped when the
// channel is full.
func (m *Manager) Output() <-chan OutputEvent { return m.out }

func (m *Manager) emit(ev OutputEvent) {
	select {
	case m.out <- ev:
	default:
	}
}

// DetectTmux returns a working tmux binary, or "" when none is usable.
func (m *Manager) DetectTmux() string {
	m.mu.Lock()
	if m.tmuxBin != "" {
		defer m.mu.Unlock()
		return m.tmuxBin
	}
	m.mu.Unlock()

	bin := m.cfg.TmuxBinary
	if bin == "" {
		bin = ResolveBinary("tmux", m.cfg.Path, "/usr/local/bin/tmux", "/opt/homebrew/bin/tmux")
	}
	if bin == "" {
		return ""
	}
	if _, err := m.cfg.Runner.Run(bin, "-V"); err != nil {
		m.log.Debug("tmux unusable", "bin", bin, "err", err)
		return ""
	}
	m.mu.Lock()
	m.tmuxBin = bin
	m.mu.Unlock()
	return bin
}

// Start launches the supervisor and workers of a session.
func (m *Manager) Start(req StartRequest) (StartResult, error) {
	if req.WorkerCount < 1 {
		return StartResult{}, &protocol.ValidationError{Field: "workerCount", Reason: "must be a positive integer"}
	}

	useTmux := false
	var bin string
	if req.Preferred != PreferSubprocess {
		bin = m.DetectTmux()
		useTmux = bin != ""
		if !useTmux && req.Preferred == PreferTmux {
			return StartResult{}, &protocol.TransportError{Op: "start", Reason: "tmux binary not found"}
		}
	}

	res := StartResult{SupervisorID: protocol.SupervisorID}
	for i := 1; i <= req.WorkerCount; i++ {
		res.WorkerIDs = append(res.WorkerIDs, protocol.WorkerID(i))
	}

	if useTmux {
		s, err := m.tmux.start(bin, req)
		if err != nil {
			return StartResult{}, err
		}
		m.mu.Lock()
		m.tmuxSess[req.SessionID] = s
		m.mu.Unlock()
		if m.cfg.OpenTerminals && m.isDarwin {
			m.tabOpener(s)
		}
		m.log.Info("terminals started", "session", req.SessionID, "runtime", protocol.RuntimeTmux, "handle", s.name)
		res.Runtime, res.Handle = protocol.RuntimeTmux, s.name
		return res, nil
	}

	s, err := m.procs.start(req)
	if err != nil {
		return StartResult{}, err
	}
	m.mu.Lock()
	m.procSess[req.SessionID] = s
	m.mu.Unlock()
	m.log.Info("terminals started", "session", req.SessionID, "runtime", protocol.RuntimeSubprocess)
	res.Runtime = protocol.RuntimeSubprocess
	return res, nil
}

// Attach re-binds a session to an existing tmux session by name.
func (m *Manager) Attach(sessionID, handle string, targetIDs []string) error {
	bin := m.DetectTmux()
	if bin == "" {
		return &protocol.TransportError{Op: "attach", Reason: "tmux binary not found"}
	}
	if err := m.tmux.exists(bin, handle); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tmuxSess[sessionID] = &tmuxSession{name: handle, bin: bin, targets: dedupe(append([]string{}, targetIDs...))}
	return nil
}

// Send injects text into a target, optionally followed by Enter.
func (m *Manager) Send(sessionID, targetID, text string, pressEnter bool) error {
	t, p := m.lookup(sessionID)
	switch {
	case t != nil:
		return m.tmux.send(t, targetID, text, pressEnter)
	case p != nil:
		return m.procs.send(p, targetID, text, pressEnter)
	default:
		return &protocol.TransportError{TargetID: targetID, Op: "send", Reason: fmt.Sprintf("session %s has no terminals", sessionID)}
	}
}

// Capture returns the newest lines of a target's output and its last
// non-blank line.
func (m *Manager) Capture(sessionID, targetID string, lines int) (Capture, error) {
	t, p := m.lookup(sessionID)
	switch {
	case t != nil:
		return m.tmux.capture(t, targetID, lines)
	case p != nil:
		return m.procs.capture(p, targetID, lines)
	default:
		return Capture{}, &protocol.TransportError{TargetID: targetID, Op: "capture", Reason: fmt.Sprintf("session %s has no terminals", sessionID)}
	}
}

// Stop terminates every terminal of a session and forgets it.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	t := m.tmuxSess[sessionID]
	p := m.procSess[sessionID]
	delete(m.tmuxSess, sessionID)
	delete(m.procSess, sessionID)
	m.mu.Unlock()

	switch {
	case t != nil:
		return m.tmux.stop(t)
	case p != nil:
		m.procs.stop(p)
		return nil
	default:
		return &protocol.TransportError{Op: "stop", Reason: fmt.Sprintf("session %s has no terminals", sessionID)}
	}
}

// Has reports whether the manager currently holds terminals for a session.
func (m *Manager) Has(sessionID string) bool {
	t, p := m.lookup(sessionID)
	return t != nil || p != nil
}

func (m *Manager) lookup(sessionID string) (*tmuxSession, *processSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tmuxSess[sessionID], m.procSess[sessionID]
}
