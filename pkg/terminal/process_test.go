package terminal

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"foreman/pkg/protocol"
)

// waitForLine polls a target's capture until a line containing want shows up.
func waitForLine(t *testing.T, m *Manager, sessionID, targetID, want string) Capture {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		c, err := m.Capture(sessionID, targetID, 50)
		if err == nil {
			for _, l := range c.Lines {
				if strings.Contains(l, want) {
					return c
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%q never appeared in %s output: %q", want, targetID, c.Lines)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestManager_SubprocessRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	m := NewManager(Config{})
	defer m.Stop("s1") //nolint:errcheck // best-effort cleanup

	res, err := m.Start(StartRequest{
		SessionID:         "s1",
		Workspace:         t.TempDir(),
		WorkerCount:       1,
		SupervisorCommand: "cat",
		WorkerCommand:     "cat",
		Preferred:         PreferSubprocess,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Runtime != protocol.RuntimeSubprocess || res.Handle != "" {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := m.Send("s1", "worker-1", "ping from test", true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c := waitForLine(t, m, "s1", "worker-1", "ping from test")
	if c.LastLine != "ping from test" {
		t.Errorf("last line = %q", c.LastLine)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-m.Output():
			if ev.SessionID != "s1" {
				t.Fatalf("unexpected output event %+v", ev)
			}
			if ev.TargetID == "worker-1" {
				return
			}
		case <-timeout:
			t.Fatal("no output event emitted for worker-1")
		}
	}
}

func TestManager_SubprocessSendToExitedTarget(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	m := NewManager(Config{})
	defer m.Stop("s1") //nolint:errcheck // best-effort cleanup

	_, err := m.Start(StartRequest{
		SessionID:         "s1",
		Workspace:         t.TempDir(),
		WorkerCount:       1,
		SupervisorCommand: "cat",
		WorkerCommand:     "echo done-now",
		Preferred:         PreferSubprocess,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForLine(t, m, "s1", "worker-1", "done-now")

	deadline := time.Now().Add(10 * time.Second)
	for {
		err = m.Send("s1", "worker-1", "anyone?", true)
		if err != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Op != "send" {
		t.Fatalf("expected send transport error, got %v", err)
	}
}

func TestManager_UnknownSession(t *testing.T) {
	m := NewManager(Config{Runner: newFakeCmd()})
	if err := m.Send("nope", "worker-1", "x", true); err == nil {
		t.Error("expected error for unknown session")
	}
	if _, err := m.Capture("nope", "worker-1", 10); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestManager_StartRejectsZeroWorkers(t *testing.T) {
	m := NewManager(Config{Runner: newFakeCmd()})
	_, err := m.Start(StartRequest{SessionID: "s1", WorkerCount: 0})
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
