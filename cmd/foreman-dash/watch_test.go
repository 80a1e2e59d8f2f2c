package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// TestWatchReportsWrites verifies that a write in the state directory
// produces one fsChangeMsg.
func TestWatchReportsWrites(t *testing.T) {
	dir := t.TempDir()
	watcher := newStateWatcher(dir)
	if watcher == nil {
		t.Fatal("newStateWatcher returned nil for an existing dir")
	}
	defer watcher.Close()

	msgChan := make(chan tea.Msg, 1)
	go func() { msgChan <- waitForChange(watcher)() }()

	// Give watcher time to initialize
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "state.db-wal"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-msgChan:
		if _, ok := msg.(fsChangeMsg); !ok {
			t.Errorf("expected fsChangeMsg, got %T", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsChangeMsg")
	}
}

// TestWatchDebounce verifies that a burst of writes yields a single message.
func TestWatchDebounce(t *testing.T) {
	dir := t.TempDir()
	watcher := newStateWatcher(dir)
	if watcher == nil {
		t.Fatal("newStateWatcher returned nil")
	}
	defer watcher.Close()

	msgChan := make(chan tea.Msg, 10)
	go func() { msgChan <- waitForChange(watcher)() }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "state.db"), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(250 * time.Millisecond)

	if n := len(msgChan); n != 1 {
		t.Errorf("expected 1 debounced message, got %d", n)
	}
}

func TestWatchFallbackOnMissingDir(t *testing.T) {
	if w := newStateWatcher(filepath.Join(t.TempDir(), "does-not-exist")); w != nil {
		_ = w.Close()
		t.Error("expected nil watcher for a missing dir")
	}
	if cmd := waitForChange(nil); cmd != nil {
		t.Error("expected nil cmd without a watcher")
	}
}
