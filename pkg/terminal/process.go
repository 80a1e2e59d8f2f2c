package terminal

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"foreman/pkg/protocol"
)

// processBufferLines caps the in-memory history of each child.
const processBufferLines = 400

// outputEventLines is the number of lines carried by an OutputEvent.
const outputEventLines = 120

// child is one long-lived agent process with piped stdio.
type child struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	buf   *LineBuffer

	mu      sync.Mutex
	running bool
}

func (c *child) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// processSession holds the children of one session. It cannot be
// re-attached after the coordinator restarts.
type processSession struct {
	children map[string]*child
	order    []string
}

// outputWriter feeds a child's stdout and stderr into its buffer and
// announces every write.
type outputWriter struct {
	sessionID string
	c         *child
	emit      func(OutputEvent)
}

func (w *outputWriter) Write(p []byte) (int, error) {
	n, err := w.c.buf.Write(p)
	if w.emit != nil {
		lines := w.c.buf.Tail(outputEventLines)
		w.emit(OutputEvent{SessionID: w.sessionID, TargetID: w.c.id, Lines: lines, LastLine: lastNonEmpty(lines)})
	}
	return n, err
}

// processBackend runs each target as a bash child.
type processBackend struct {
	env  []string
	emit func(OutputEvent)
}

func (b *processBackend) start(req StartRequest) (*processSession, error) {
	s := &processSession{children: make(map[string]*child)}
	launch := func(id, command string) error {
		c, err := b.spawn(req.SessionID, id, req.Workspace, command)
		if err != nil {
			return &protocol.TransportError{TargetID: id, Op: "start", Reason: err.Error()}
		}
		s.children[id] = c
		s.order = append(s.order, id)
		return nil
	}

	if err := launch(protocol.SupervisorID, req.SupervisorCommand); err != nil {
		return nil, err
	}
	for i := 1; i <= req.WorkerCount; i++ {
		if err := launch(protocol.WorkerID(i), req.WorkerCommand); err != nil {
			b.stop(s)
			return nil, err
		}
	}
	return s, nil
}

func (b *processBackend) spawn(sessionID, id, dir, command string) (*child, error) {
	cmd := exec.Command("bash", "-lc", subprocessCommand(dir, command)) //nolint:gosec // command comes from operator config
	cmd.Dir = dir
	cmd.Env = b.env

	c := &child{id: id, cmd: cmd, buf: NewLineBuffer(processBufferLines)}
	out := &outputWriter{sessionID: sessionID, c: c, emit: b.emit}
	cmd.Stdout = out
	cmd.Stderr = out

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	c.stdin = stdin
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", id, err)
	}
	c.running = true

	go func() {
		_ = cmd.Wait()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	return c, nil
}

func (b *processBackend) send(s *processSession, targetID, text string, pressEnter bool) error {
	c, ok := s.children[targetID]
	if !ok || !c.isRunning() {
		return &protocol.TransportError{TargetID: targetID, Op: "send", Reason: "target is not running"}
	}
	if pressEnter {
		text += "\n"
	}
	if _, err := io.WriteString(c.stdin, text); err != nil {
		return &protocol.TransportError{TargetID: targetID, Op: "send", Reason: err.Error()}
	}
	return nil
}

func (b *processBackend) capture(s *processSession, targetID string, n int) (Capture, error) {
	c, ok := s.children[targetID]
	if !ok {
		return Capture{}, &protocol.TransportError{TargetID: targetID, Op: "capture", Reason: "target not found"}
	}
	lines := c.buf.Tail(n)
	return Capture{Lines: lines, LastLine: lastNonEmpty(lines)}, nil
}

func (b *processBackend) stop(s *processSession) {
	for _, id := range s.order {
		c := s.children[id]
		if c.isRunning() {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
		_ = c.stdin.Close()
	}
}
