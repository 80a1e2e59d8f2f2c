package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// startupLog prints serve progress: one checkmark line per step, with an
// animated spinner for slow steps when attached to a terminal.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// Step prints a completed step.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// Warn prints a step that completed in a degraded mode.
func (s *startupLog) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "! %s\n", msg)
}

// StartSpinner shows msg until the returned stop func is called, then
// prints it as completed with its duration. Without a TTY the line is
// printed once up front.
func (s *startupLog) StartSpinner(msg string) func() {
	started := time.Now()
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()
		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "✓ %s (%s)\n", msg, time.Since(started).Round(time.Millisecond))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[i], msg)
				s.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "\r✓ %s (%s)\n", msg, time.Since(started).Round(time.Millisecond))
		})
	}
}
