package main

import (
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the state database (or its WAL) changes.
type fsChangeMsg struct{}

// newStateWatcher watches the directory holding the state database.
// Returns nil if the directory doesn't exist or watcher creation fails
// (the dashboard then relies on its poll tick).
func newStateWatcher(dir string) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", dir, err)
		return nil
	}

	return watcher
}

// waitForChange returns a tea.Cmd that blocks until a write lands in the
// watched directory and then reports it, debounced so a burst of WAL
// writes yields one refresh. Re-issue it after each fsChangeMsg.
func waitForChange(watcher *fsnotify.Watcher) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer restarts the debounce window.
func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
