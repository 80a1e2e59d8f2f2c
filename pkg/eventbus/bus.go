// Package eventbus fans session events out to subscribers.
//
// Publish never blocks: every subscriber owns an unbounded queue drained by
// its own goroutine, so a slow consumer delays only itself. Events reach each
// subscriber in publish order.
package eventbus

import (
	"sync"

	"foreman/pkg/protocol"
)

// Bus is a publish/subscribe hub for protocol events. The zero value is not
// usable; call New.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	sessionID string // "" receives every session
	out       chan protocol.Event

	mu      sync.Mutex
	queue   []protocol.Event
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer for one session, or for all sessions when
// sessionID is empty. The returned cancel func unregisters it and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(sessionID string) (<-chan protocol.Event, func()) {
	s := &subscriber{
		sessionID: sessionID,
		out:       make(chan protocol.Event),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.sessionID == "" || s.sessionID == ev.SessionID {
			s.push(ev)
		}
	}
}

// Close stops every subscriber. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscriber) push(ev protocol.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
