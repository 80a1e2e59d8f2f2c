package eventbus

import (
	"testing"
	"time"

	"foreman/pkg/protocol"
)

func recv(t *testing.T, ch <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func TestBus_OrderPerSession(t *testing.T) {
	b := New()
	defer b.Close()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	// publish before reading: the publisher must not block
	for i := range 100 {
		b.Publish(protocol.Event{SessionID: "s1", Type: protocol.EventWorkerLog, ID: int64(i)})
		b.Publish(protocol.Event{SessionID: "s2", Type: protocol.EventWorkerLog, ID: int64(1000 + i)})
	}
	for i := range 100 {
		ev := recv(t, ch)
		if ev.SessionID != "s1" || ev.ID != int64(i) {
			t.Fatalf("event %d: got %+v", i, ev)
		}
	}
}

func TestBus_WildcardSubscriber(t *testing.T) {
	b := New()
	defer b.Close()
	ch, cancel := b.Subscribe("")
	defer cancel()

	b.Publish(protocol.Event{SessionID: "a"})
	b.Publish(protocol.Event{SessionID: "b"})
	if recv(t, ch).SessionID != "a" || recv(t, ch).SessionID != "b" {
		t.Fatal("wildcard subscriber must see every session in order")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("s1")
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d", b.Subscribers())
	}
	b.Publish(protocol.Event{SessionID: "s1"}) // must not panic
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	b := New()
	b.Close()
	ch, cancel := b.Subscribe("")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after bus close")
	}
}
