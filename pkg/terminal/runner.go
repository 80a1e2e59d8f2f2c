package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// defaultCmdTimeout bounds each multiplexer invocation.
const defaultCmdTimeout = 12 * time.Second

// ExecRunner implements CmdRunner using os/exec. Every call is bounded by
// Timeout and runs with PATH extended by the common install directories.
type ExecRunner struct {
	Timeout time.Duration // 0 means defaultCmdTimeout
	Env     []string      // nil means RuntimeEnv()
}

// Run executes a command and returns its stdout. On a non-zero exit the
// error carries the command's stderr.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaultCmdTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = e.Env
	if cmd.Env == nil {
		cmd.Env = RuntimeEnv()
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// RuntimeEnv returns the process environment with PATH replaced by
// RuntimePath.
func RuntimeEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			out = append(out, kv)
		}
	}
	return append(out, "PATH="+RuntimePath(os.Getenv("PATH")))
}
