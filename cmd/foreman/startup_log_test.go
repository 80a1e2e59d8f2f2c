package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestStartupLog_Step(t *testing.T) {
	var buf bytes.Buffer
	log := newStartupLog(&buf, true)

	log.Step("store ready")
	log.Warn("tmux not found")

	output := buf.String()
	if !strings.Contains(output, "✓ store ready") {
		t.Errorf("expected ✓ step line, got: %q", output)
	}
	if !strings.Contains(output, "! tmux not found") {
		t.Errorf("expected ! warning line, got: %q", output)
	}
}

func TestStartupLog_SpinnerTTY(t *testing.T) {
	var buf bytes.Buffer
	log := newStartupLog(&buf, true)

	stop := log.StartSpinner("recovering sessions")
	time.Sleep(200 * time.Millisecond) // Let spinner animate a few frames
	stop()
	stop() // second call is a no-op

	output := buf.String()
	if !strings.Contains(output, "\r✓ recovering sessions") {
		t.Errorf("expected final ✓ line, got: %q", output)
	}
	if strings.Count(output, "✓") != 1 {
		t.Errorf("expected exactly one checkmark, got: %q", output)
	}
	if !strings.ContainsAny(output, "⠋⠙⠹⠸") {
		t.Errorf("expected spinner frames, got: %q", output)
	}
}

func TestStartupLog_SpinnerNoTTY(t *testing.T) {
	var buf bytes.Buffer
	log := newStartupLog(&buf, false)

	stop := log.StartSpinner("recovering sessions")
	stop()

	output := buf.String()
	if strings.Contains(output, "\r") {
		t.Errorf("non-TTY output must not contain carriage returns: %q", output)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), output)
	}
	if lines[0] != "recovering sessions" {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "✓ recovering sessions (") {
		t.Errorf("second line = %q", lines[1])
	}
}
