package graph

import (
	"maps"
	"sort"
)

// State is the shared record every node reads. Keys are field names declared
// in the graph's Schema.
//
// State values handed to nodes are snapshots: nodes must treat them as
// read-only and report changes through NodeResult.Delta.
type State map[string]any

// Get returns the value of key as a T. The second result is false when the
// key is absent or holds a different type.
//
// Example:
//
//	msgs, _ := graph.Get[[]string](s, "messages")
func Get[T any](s State, key string) (T, bool) {
	v, ok := s[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// GetOr returns the value of key as a T, or def when it is absent or mistyped.
func GetOr[T any](s State, key string, def T) T {
	if v, ok := Get[T](s, key); ok {
		return v
	}
	return def
}

// Clone returns a shallow copy of s. Field values are shared; reducers never
// mutate them in place.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Keys returns the field names present in s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
