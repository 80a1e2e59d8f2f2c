package terminal

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"foreman/pkg/protocol"
)

// longInputThreshold is the input length past which a second Enter is sent;
// some agent TUIs swallow the first Enter of a large paste.
const longInputThreshold = 80

// minCaptureLines is the smallest scrollback window requested from tmux.
const minCaptureLines = 20

// tmuxSession is one multiplexer session holding a window per target.
type tmuxSession struct {
	name    string
	bin     string
	targets []string
}

// tmuxBackend drives tmux through a CmdRunner.
type tmuxBackend struct {
	runner CmdRunner
}

func (b *tmuxBackend) start(bin string, req StartRequest) (*tmuxSession, error) {
	name := SessionName(req.SessionID)

	// A stale session with the same name would shadow the new windows.
	_, _ = b.runner.Run(bin, "kill-session", "-t", name)

	if _, err := b.runner.Run(bin, "new-session", "-d", "-s", name, "-n", protocol.SupervisorID,
		"bash", "-lc", cdCommand(req.Workspace, req.SupervisorCommand)); err != nil {
		return nil, &protocol.TransportError{TargetID: protocol.SupervisorID, Op: "start", Reason: err.Error()}
	}

	s := &tmuxSession{name: name, bin: bin, targets: []string{protocol.SupervisorID}}
	for i := 1; i <= req.WorkerCount; i++ {
		id := protocol.WorkerID(i)
		if _, err := b.runner.Run(bin, "new-window", "-t", name, "-n", id,
			"bash", "-lc", cdCommand(req.Workspace, req.WorkerCommand)); err != nil {
			_, _ = b.runner.Run(bin, "kill-session", "-t", name)
			return nil, &protocol.TransportError{TargetID: id, Op: "start", Reason: err.Error()}
		}
		s.targets = append(s.targets, id)
	}
	return s, nil
}

func (b *tmuxBackend) exists(bin, name string) error {
	if _, err := b.runner.Run(bin, "has-session", "-t", name); err != nil {
		return &protocol.TransportError{Op: "attach", Reason: fmt.Sprintf("tmux session %s not found: %v", name, err)}
	}
	return nil
}

func (b *tmuxBackend) send(s *tmuxSession, targetID, text string, pressEnter bool) error {
	pane := s.name + ":" + targetID
	if text != "" {
		if _, err := b.runner.Run(s.bin, "send-keys", "-t", pane, "-l", text); err != nil {
			return &protocol.TransportError{TargetID: targetID, Op: "send", Reason: err.Error()}
		}
	}
	if !pressEnter {
		return nil
	}
	if _, err := b.runner.Run(s.bin, "send-keys", "-t", pane, "Enter"); err != nil {
		return &protocol.TransportError{TargetID: targetID, Op: "send", Reason: err.Error()}
	}
	if utf8.RuneCountInString(text) > longInputThreshold {
		_, _ = b.runner.Run(s.bin, "send-keys", "-t", pane, "Enter")
	}
	return nil
}

func (b *tmuxBackend) capture(s *tmuxSession, targetID string, n int) (Capture, error) {
	out, err := b.runner.Run(s.bin, "capture-pane", "-p", "-J", "-t", s.name+":"+targetID,
		"-S", "-"+strconv.Itoa(max(minCaptureLines, n)))
	if err != nil {
		return Capture{}, &protocol.TransportError{TargetID: targetID, Op: "capture", Reason: err.Error()}
	}
	lines := strings.Split(strings.ReplaceAll(out, "\r", ""), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return Capture{Lines: lines, LastLine: lastNonEmpty(lines)}, nil
}

func (b *tmuxBackend) stop(s *tmuxSession) error {
	if _, err := b.runner.Run(s.bin, "kill-session", "-t", s.name); err != nil {
		return &protocol.TransportError{Op: "stop", Reason: err.Error()}
	}
	return nil
}

// openTabs opens one Terminal.app tab per target attached to its window.
// Failures are ignored.
func (b *tmuxBackend) openTabs(s *tmuxSession) {
	for _, id := range s.targets {
		attach := fmt.Sprintf(`%s attach -t %s \; select-window -t %s`,
			quoteDouble(s.bin), quoteDouble(s.name), quoteDouble(id))
		script := strings.Join([]string{
			`tell application "Terminal"`,
			"activate",
			"do script " + quoteDouble(attach),
			"end tell",
		}, "\n")
		_, _ = b.runner.Run("/usr/bin/osascript", "-e", script)
	}
}
