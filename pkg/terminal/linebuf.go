package terminal

import (
	"strings"
	"sync"

	"foreman/pkg/ringbuf"
)

// LineBuffer accumulates streamed output into bounded complete lines plus
// one partial line still being written. It is safe for concurrent use.
type LineBuffer struct {
	mu      sync.Mutex
	lines   ringbuf.Ring[string]
	partial string
}

// NewLineBuffer creates a buffer keeping at most capacity lines, counting the
// partial line.
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &LineBuffer{lines: ringbuf.New[string](capacity - 1)}
}

// Write appends a chunk of output. Carriage returns are dropped.
func (b *LineBuffer) Write(p []byte) (int, error) {
	text := strings.ReplaceAll(string(p), "\r", "")
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := strings.Split(text, "\n")
	b.partial += parts[0]
	for _, part := range parts[1:] {
		b.lines.Push(strings.TrimRight(b.partial, " \t"))
		b.partial = part
	}
	return len(p), nil
}

// Tail returns the newest n lines, oldest first, including the partial line.
func (b *LineBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil
	}
	out := b.lines.Tail(n - 1)
	return append(out, b.partial)
}
