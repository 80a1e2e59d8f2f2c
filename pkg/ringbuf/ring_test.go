package ringbuf

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	if got := r.Items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("expected [3 4 5], got %v", got)
	}
}

func TestRing_PushReportsEviction(t *testing.T) {
	r := New[string](2)
	if _, ok := r.Push("a"); ok {
		t.Error("unexpected eviction on first push")
	}
	r.Push("b")
	old, ok := r.Push("c")
	if !ok || old != "a" {
		t.Errorf("expected eviction of a, got %q (%v)", old, ok)
	}
}

func TestRing_Tail(t *testing.T) {
	r := New[int](4)
	for i := range 6 {
		r.Push(i)
	}

	tests := []struct {
		n    int
		want []int
	}{
		{n: 2, want: []int{4, 5}},
		{n: 4, want: []int{2, 3, 4, 5}},
		{n: 10, want: []int{2, 3, 4, 5}},
		{n: 0, want: nil},
	}
	for _, tt := range tests {
		if got := r.Tail(tt.n); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tail(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRing_ZeroValueDiscards(t *testing.T) {
	var r Ring[int]
	r.Push(1)
	if r.Len() != 0 {
		t.Errorf("zero ring should stay empty, got len %d", r.Len())
	}
}

func TestRing_Reset(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Reset()
	if r.Len() != 0 || r.Cap() != 2 {
		t.Errorf("after reset: len=%d cap=%d", r.Len(), r.Cap())
	}
	r.Push(9)
	if got := r.Items(); !reflect.DeepEqual(got, []int{9}) {
		t.Errorf("expected [9], got %v", got)
	}
}

func TestRing_JSONKeepsCapacityAndOrder(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 4; i++ {
		r.Push(i)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"cap":3,"items":[2,3,4]}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var back Ring[int]
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back.Push(5)
	if got := back.Items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("expected [3 4 5] after push, got %v", got)
	}
}

func TestKeySet_AddAndEvict(t *testing.T) {
	s := NewKeySet(2)

	if !s.Add("a") {
		t.Fatal("first add of a should report true")
	}
	if s.Add("a") {
		t.Fatal("second add of a should report false")
	}
	s.Add("b")
	s.Add("c")

	if s.Has("a") {
		t.Error("a should have been evicted")
	}
	if !s.Has("b") || !s.Has("c") {
		t.Error("b and c should be present")
	}
	if !s.Add("a") {
		t.Error("evicted key should be addable again")
	}
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Errorf("expected [c a], got %v", got)
	}
}

func TestKeySet_JSONRebuildsIndex(t *testing.T) {
	s := NewKeySet(5)
	s.Add("worker-1::x")
	s.Add("worker-2::y")

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back KeySet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Has("worker-2::y") {
		t.Error("index not rebuilt after unmarshal")
	}
	if back.Add("worker-1::x") {
		t.Error("restored key should not be re-added")
	}
}
