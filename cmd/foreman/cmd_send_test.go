package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/chzyer/readline"

	"foreman/pkg/coordinator"
)

// scriptedReader replays lines, then returns EOF.
type scriptedReader struct {
	lines   []string
	errs    []error
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line, err := r.lines[0], r.errs[0]
	r.lines, r.errs = r.lines[1:], r.errs[1:]
	return line, err
}

func (r *scriptedReader) SetPrompt(p string) { r.prompts = append(r.prompts, p) }

func script(pairs ...any) *scriptedReader {
	r := &scriptedReader{}
	for i := 0; i < len(pairs); i += 2 {
		r.lines = append(r.lines, pairs[i].(string))
		err, _ := pairs[i+1].(error)
		r.errs = append(r.errs, err)
	}
	return r
}

func TestConsoleLoop(t *testing.T) {
	rl := script(
		"hello", nil,
		"   ", nil,
		":target worker-2", nil,
		"run the tests", nil,
		"half typed", readline.ErrInterrupt,
		"fails", nil,
	)
	var sent []coordinator.SendRequest
	var out bytes.Buffer
	err := consoleLoop(&out, rl, "s1", "supervisor", func(req coordinator.SendRequest) error {
		sent = append(sent, req)
		if req.Text == "fails" {
			return errors.New("pane gone")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consoleLoop failed: %v", err)
	}

	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %+v", sent)
	}
	if sent[0].TargetID != "supervisor" || sent[0].Text != "hello" || sent[0].Source != "console" {
		t.Errorf("first send = %+v", sent[0])
	}
	if sent[1].TargetID != "worker-2" || sent[1].Text != "run the tests" {
		t.Errorf("second send = %+v", sent[1])
	}
	if len(rl.prompts) != 1 || rl.prompts[0] != "worker-2> " {
		t.Errorf("prompts = %v", rl.prompts)
	}
	if !strings.Contains(out.String(), "error: pane gone") {
		t.Errorf("send failure not reported: %q", out.String())
	}
}

func TestConsoleLoop_InterruptOnEmptyLineQuits(t *testing.T) {
	rl := script("", readline.ErrInterrupt, "never sent", nil)
	called := false
	err := consoleLoop(io.Discard, rl, "s1", "supervisor", func(coordinator.SendRequest) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("consoleLoop failed: %v", err)
	}
	if called {
		t.Error("nothing should be sent after Ctrl-C on an empty line")
	}
}
