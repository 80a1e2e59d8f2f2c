package terminal

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"foreman/pkg/protocol"
)

// fakeCmd records exec calls for testing without real tmux.
type fakeCmd struct {
	calls  [][]string // each call is [name, arg1, arg2, ...]
	output map[string]string
	errs   map[string]error
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{
		output: make(map[string]string),
		errs:   make(map[string]error),
	}
}

// key builds a lookup key from a command and its args.
func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeCmd) Run(name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	k := key(name, args...)
	return f.output[k], f.errs[k]
}

// callsOf returns every call of the given tmux subcommand.
func callsOf(calls [][]string, subcmd string) [][]string {
	var out [][]string
	for _, call := range calls {
		if len(call) >= 2 && call[0] == "tmux" && call[1] == subcmd {
			out = append(out, call)
		}
	}
	return out
}

func newTmuxManager(fake *fakeCmd) *Manager {
	return NewManager(Config{Runner: fake, TmuxBinary: "tmux"})
}

func TestManager_StartTmux(t *testing.T) {
	fake := newFakeCmd()
	m := newTmuxManager(fake)

	res, err := m.Start(StartRequest{
		SessionID:         "Sess_01:X",
		Workspace:         "/work/it's here",
		WorkerCount:       2,
		SupervisorCommand: "codex",
		WorkerCommand:     "codex --fast",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if res.Runtime != protocol.RuntimeTmux {
		t.Errorf("runtime = %q", res.Runtime)
	}
	if res.Handle != "sup-sess_01-x" {
		t.Errorf("handle = %q", res.Handle)
	}
	if fmt.Sprint(res.WorkerIDs) != "[worker-1 worker-2]" {
		t.Errorf("worker ids = %v", res.WorkerIDs)
	}

	if len(callsOf(fake.calls, "kill-session")) != 1 {
		t.Error("expected stale session cleanup before new-session")
	}
	ns := callsOf(fake.calls, "new-session")
	if len(ns) != 1 {
		t.Fatalf("expected 1 new-session, got %d", len(ns))
	}
	wantScript := `cd '/work/it'\''s here' && codex`
	if got := ns[0][len(ns[0])-1]; got != wantScript {
		t.Errorf("supervisor script = %q, want %q", got, wantScript)
	}
	windows := callsOf(fake.calls, "new-window")
	if len(windows) != 2 {
		t.Fatalf("expected 2 new-window calls, got %d", len(windows))
	}
	if !strings.Contains(strings.Join(windows[1], " "), "-n worker-2") {
		t.Errorf("second window not named worker-2: %v", windows[1])
	}
}

func TestManager_StartTmuxWindowFailureCleansUp(t *testing.T) {
	fake := newFakeCmd()
	fake.errs[key("tmux", "new-window", "-t", "sup-s1", "-n", "worker-1", "bash", "-lc", "cd '/w' && codex")] = errors.New("boom")
	m := newTmuxManager(fake)

	_, err := m.Start(StartRequest{SessionID: "s1", Workspace: "/w", WorkerCount: 1, SupervisorCommand: "codex", WorkerCommand: "codex"})
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.TargetID != "worker-1" {
		t.Fatalf("expected transport error on worker-1, got %v", err)
	}
	if len(callsOf(fake.calls, "kill-session")) != 2 {
		t.Error("expected kill-session before start and after the failure")
	}
	if m.Has("s1") {
		t.Error("failed session should not be registered")
	}
}

func TestManager_SendTmux(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		pressEnter bool
		wantEnters int
		wantLit    bool
	}{
		{name: "short text", text: "hello", pressEnter: true, wantEnters: 1, wantLit: true},
		{name: "long text gets second enter", text: strings.Repeat("x", 81), pressEnter: true, wantEnters: 2, wantLit: true},
		{name: "exactly threshold", text: strings.Repeat("y", 80), pressEnter: true, wantEnters: 1, wantLit: true},
		{name: "no enter", text: "abc", pressEnter: false, wantEnters: 0, wantLit: true},
		{name: "enter only", text: "", pressEnter: true, wantEnters: 1, wantLit: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCmd()
			m := newTmuxManager(fake)
			if err := m.Attach("s1", "sup-s1", []string{"supervisor", "worker-1"}); err != nil {
				t.Fatalf("Attach: %v", err)
			}

			if err := m.Send("s1", "worker-1", tt.text, tt.pressEnter); err != nil {
				t.Fatalf("Send: %v", err)
			}

			var enters, literals int
			for _, call := range callsOf(fake.calls, "send-keys") {
				if call[3] != "sup-s1:worker-1" {
					t.Errorf("wrong pane %q", call[3])
				}
				switch call[len(call)-1] {
				case "Enter":
					enters++
				case tt.text:
					literals++
				}
			}
			if enters != tt.wantEnters {
				t.Errorf("enters = %d, want %d", enters, tt.wantEnters)
			}
			if (literals == 1) != tt.wantLit {
				t.Errorf("literal sends = %d", literals)
			}
		})
	}
}

func TestManager_SendTmuxFailure(t *testing.T) {
	fake := newFakeCmd()
	fake.errs[key("tmux", "send-keys", "-t", "sup-s1:worker-1", "-l", "hi")] = errors.New("no pane")
	m := newTmuxManager(fake)
	_ = m.Attach("s1", "sup-s1", nil)

	err := m.Send("s1", "worker-1", "hi", true)
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Op != "send" {
		t.Fatalf("expected send transport error, got %v", err)
	}
	if len(callsOf(fake.calls, "send-keys")) != 1 {
		t.Error("Enter must not be sent after a failed literal send")
	}
}

func TestManager_CaptureTmux(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "capture-pane", "-p", "-J", "-t", "sup-s1:supervisor", "-S", "-20")] = "one  \r\ntwo\n  \n"
	m := newTmuxManager(fake)
	_ = m.Attach("s1", "sup-s1", nil)

	c, err := m.Capture("s1", "supervisor", 3)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if c.LastLine != "two" {
		t.Errorf("last line = %q", c.LastLine)
	}
	if len(c.Lines) != 3 || c.Lines[0] != "two" {
		t.Errorf("lines = %q", c.Lines)
	}
}

func TestManager_CaptureRequestsAtLeastTwentyLines(t *testing.T) {
	fake := newFakeCmd()
	m := newTmuxManager(fake)
	_ = m.Attach("s1", "sup-s1", nil)

	_, _ = m.Capture("s1", "worker-1", 5)
	_, _ = m.Capture("s1", "worker-1", 120)

	caps := callsOf(fake.calls, "capture-pane")
	if len(caps) != 2 || caps[0][len(caps[0])-1] != "-20" || caps[1][len(caps[1])-1] != "-120" {
		t.Errorf("unexpected capture calls %v", caps)
	}
}

func TestManager_AttachMissingSession(t *testing.T) {
	fake := newFakeCmd()
	fake.errs[key("tmux", "has-session", "-t", "sup-gone")] = errors.New("can't find session")
	m := newTmuxManager(fake)

	if err := m.Attach("s1", "sup-gone", nil); err == nil {
		t.Fatal("expected attach error")
	}
	if m.Has("s1") {
		t.Error("session should not be registered after failed attach")
	}
}

func TestManager_UnusableTmuxFallsBackToSubprocessOnlyInHybrid(t *testing.T) {
	fake := newFakeCmd()
	fake.errs[key("tmux", "-V")] = errors.New("broken")
	m := newTmuxManager(fake)

	_, err := m.Start(StartRequest{SessionID: "s1", Workspace: t.TempDir(), WorkerCount: 1, Preferred: PreferTmux})
	if err == nil {
		t.Fatal("explicit tmux preference must fail when tmux is unusable")
	}
	if m.DetectTmux() != "" {
		t.Error("unusable tmux must not be cached")
	}
}

func TestManager_StopTmux(t *testing.T) {
	fake := newFakeCmd()
	m := newTmuxManager(fake)
	_ = m.Attach("s1", "sup-s1", nil)

	if err := m.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(callsOf(fake.calls, "kill-session")) != 1 {
		t.Error("expected kill-session")
	}
	if err := m.Stop("s1"); err == nil {
		t.Error("second stop should report unknown session")
	}
}

func TestManager_OpensTabsOnlyWhenEnabledOnDarwin(t *testing.T) {
	fake := newFakeCmd()
	m := NewManager(Config{Runner: fake, TmuxBinary: "tmux", OpenTerminals: true})
	m.isDarwin = true
	var opened []string
	m.tabOpener = func(s *tmuxSession) { opened = append(opened, s.targets...) }

	if _, err := m.Start(StartRequest{SessionID: "s1", Workspace: "/w", WorkerCount: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fmt.Sprint(opened) != "[supervisor worker-1]" {
		t.Errorf("opened tabs = %v", opened)
	}
}

func TestOpenTabs_BuildsAppleScript(t *testing.T) {
	fake := newFakeCmd()
	b := &tmuxBackend{runner: fake}
	b.openTabs(&tmuxSession{name: "sup-s1", bin: "/usr/local/bin/tmux", targets: []string{"supervisor"}})

	if len(fake.calls) != 1 || fake.calls[0][0] != "/usr/bin/osascript" {
		t.Fatalf("unexpected calls %v", fake.calls)
	}
	script := fake.calls[0][2]
	if !strings.Contains(script, `do script "\"/usr/local/bin/tmux\" attach -t \"sup-s1\"`) {
		t.Errorf("unexpected script %q", script)
	}
}
