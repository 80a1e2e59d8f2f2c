package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ServerState is the liveness of the foreman server per its PID file.
type ServerState string

const (
	// StateRunning means the PID file exists and the process is alive.
	StateRunning ServerState = "running"
	// StateStopped means no PID file exists.
	StateStopped ServerState = "stopped"
	// StateStale means the PID file exists but the process is dead.
	StateStale ServerState = "stale"
)

// WritePIDFile writes pid to path.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID is running.
// Signal 0 checks for existence without signaling.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ServerStatus reports the server state and its PID (0 when stopped).
func ServerStatus(pidPath string) (ServerState, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateStopped, 0, nil
		}
		return StateStopped, 0, fmt.Errorf("server status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StateRunning, pid, nil
	}
	return StateStale, pid, nil
}
