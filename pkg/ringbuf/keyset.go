package ringbuf

import "encoding/json"

// KeySet is a bounded, insertion-ordered set of strings. Adding past the
// capacity forgets the oldest key.
type KeySet struct {
	order Ring[string]
	index map[string]struct{}
}

// NewKeySet creates a set holding at most capacity keys.
func NewKeySet(capacity int) KeySet {
	return KeySet{order: New[string](capacity), index: make(map[string]struct{}, capacity)}
}

// Has reports whether key is present.
func (s *KeySet) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Add inserts key. It returns false if the key was already present.
func (s *KeySet) Add(key string) bool {
	if s.Has(key) {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if old, evicted := s.order.Push(key); evicted {
		delete(s.index, old)
		if old == key {
			return true
		}
	}
	s.index[key] = struct{}{}
	return true
}

// Len returns the number of keys.
func (s *KeySet) Len() int { return s.order.Len() }

// Keys returns the keys, oldest first.
func (s *KeySet) Keys() []string { return s.order.Items() }

// MarshalJSON encodes the set like a Ring.
func (s KeySet) MarshalJSON() ([]byte, error) {
	return s.order.MarshalJSON()
}

// UnmarshalJSON restores the set and rebuilds its index.
func (s *KeySet) UnmarshalJSON(data []byte) error {
	var order Ring[string]
	if err := order.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = NewKeySet(order.Cap())
	for _, k := range order.Items() {
		s.Add(k)
	}
	return nil
}

// ensure the value types satisfy the json interfaces
var (
	_ json.Marshaler   = Ring[int]{}
	_ json.Unmarshaler = (*Ring[int])(nil)
	_ json.Marshaler   = KeySet{}
	_ json.Unmarshaler = (*KeySet)(nil)
)
