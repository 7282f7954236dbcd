// Package state holds the versioned key/value snapshot threaded through pipeline
// phases, the schema that moves selected keys into side files, and the on-disk state
// document.
package state

import (
	"sort"
)

// Delta is the mapping a phase contributes to the state.
type Delta = map[string]any

// State is an immutable snapshot. Every mutation yields a new State; the receiver is
// never changed. Generic containers (map[string]any, []any) are copied on the way in.
// Data and Internal deep-copy on every call and are meant for callers that keep or
// edit the mapping; lookups on a hot path go through Get, Lookup and InternalValue,
// which share values with the snapshot.
type State struct {
	data     map[string]any
	internal map[string]any
}

// New builds a snapshot from copies of data and internal. Nil maps are empty.
func New(data, internal map[string]any) *State {
	return &State{data: copyMap(data), internal: copyMap(internal)}
}

// Get returns the value stored under key, or nil. The returned value is shared with
// the snapshot and must be treated as read-only.
func (s *State) Get(key string) any {
	return s.data[key]
}

// Lookup is Get with a presence flag.
func (s *State) Lookup(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (s *State) GetString(key string) (string, bool) {
	v, ok := s.data[key].(string)
	return v, ok
}

func (s *State) Has(key string) bool {
	_, ok := s.data[key]
	return ok
}

// Data returns a copy of the data mapping.
func (s *State) Data() map[string]any { return copyMap(s.data) }

// Internal returns a copy of the bookkeeping mapping.
func (s *State) Internal() map[string]any { return copyMap(s.internal) }

// InternalValue returns a single bookkeeping value.
func (s *State) InternalValue(key string) (any, bool) {
	v, ok := s.internal[key]
	return v, ok
}

// Keys lists data keys in lexical order.
func (s *State) Keys() []string {
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a snapshot whose data is the receiver's data overlaid with delta
// (last write wins per key). Internal data carries over unchanged.
func (s *State) Clone(delta Delta) *State {
	return &State{data: overlay(s.data, delta), internal: s.internal}
}

// CloneInternal is Clone for the bookkeeping mapping.
func (s *State) CloneInternal(delta map[string]any) *State {
	return &State{data: s.data, internal: overlay(s.internal, delta)}
}

// overlay builds a fresh top-level map. Values from base are shared: they were
// copied when they entered a snapshot and snapshots never mutate them.
func overlay(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = copyValue(v)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
