// Package ringbuf provides fixed-capacity containers with oldest-first
// eviction: a deque (Ring) and an insertion-ordered set (KeySet).
//
// Neither type is safe for concurrent use; callers that share one across
// goroutines must guard it themselves.
package ringbuf

import "encoding/json"

// Ring is a bounded FIFO. When full, Push evicts the oldest element.
// The zero value has no capacity and discards everything pushed to it.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// New creates a ring holding at most capacity elements.
func New[T any](capacity int) Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the maximum number of elements the ring holds.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Push appends v, evicting the oldest element when the ring is full.
// It returns the evicted element and true when an eviction happened.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if len(r.buf) == 0 {
		return v, true
	}
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return evicted, true
}

// At returns the i-th element counted from the oldest.
func (r *Ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Items returns a copy of the stored elements, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.At(i)
	}
	return out
}

// Tail returns a copy of the newest n elements, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range n {
		out[i] = r.At(r.size - n + i)
	}
	return out
}

// Reset drops every element but keeps the capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.size = 0, 0
}

type ringJSON[T any] struct {
	Cap   int `json:"cap"`
	Items []T `json:"items"`
}

// MarshalJSON encodes the ring as {"cap": N, "items": [...]}.
func (r Ring[T]) MarshalJSON() ([]byte, error) {
	items := r.Items()
	if items == nil {
		items = []T{}
	}
	return json.Marshal(ringJSON[T]{Cap: len(r.buf), Items: items})
}

// UnmarshalJSON restores capacity and contents. Items beyond the capacity
// are evicted oldest first, as if pushed in order.
func (r *Ring[T]) UnmarshalJSON(data []byte) error {
	var in ringJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = New[T](in.Cap)
	for _, v := range in.Items {
		r.Push(v)
	}
	return nil
}
