package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "foreman.pid")

	t.Run("missing file reports stopped", func(t *testing.T) {
		state, pid, err := ServerStatus(pidFile)
		if err != nil {
			t.Fatalf("ServerStatus failed: %v", err)
		}
		if state != StateStopped || pid != 0 {
			t.Errorf("ServerStatus = (%q, %d), want (%q, 0)", state, pid, StateStopped)
		}
	})

	t.Run("live process reports running", func(t *testing.T) {
		if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
			t.Fatalf("WritePIDFile failed: %v", err)
		}
		got, err := ReadPIDFile(pidFile)
		if err != nil {
			t.Fatalf("ReadPIDFile failed: %v", err)
		}
		if got != os.Getpid() {
			t.Errorf("ReadPIDFile = %d, want %d", got, os.Getpid())
		}
		state, pid, err := ServerStatus(pidFile)
		if err != nil {
			t.Fatalf("ServerStatus failed: %v", err)
		}
		if state != StateRunning || pid != os.Getpid() {
			t.Errorf("ServerStatus = (%q, %d), want (%q, %d)", state, pid, StateRunning, os.Getpid())
		}
	})

	t.Run("dead process reports stale", func(t *testing.T) {
		// PIDs above the kernel's pid_max never exist.
		if err := WritePIDFile(pidFile, 1<<30); err != nil {
			t.Fatalf("WritePIDFile failed: %v", err)
		}
		state, _, err := ServerStatus(pidFile)
		if err != nil {
			t.Fatalf("ServerStatus failed: %v", err)
		}
		if state != StateStale {
			t.Errorf("ServerStatus = %q, want %q", state, StateStale)
		}
	})

	t.Run("garbage PID is an error", func(t *testing.T) {
		if err := os.WriteFile(pidFile, []byte("not-a-pid"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, _, err := ServerStatus(pidFile); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		if err := RemovePIDFile(pidFile); err != nil {
			t.Fatalf("RemovePIDFile failed: %v", err)
		}
		if err := RemovePIDFile(pidFile); err != nil {
			t.Errorf("second RemovePIDFile failed: %v", err)
		}
	})
}
