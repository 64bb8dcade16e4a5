// Package params holds the ordered solver directive sets handed to calculators
// and the layered merge used to build them.
package params

import (
	"fmt"
	"reflect"
	"strings"
)

type absent struct{}

// String renders the marker the way users write it in override layers.
func (absent) String() string { return "None" }

// MarshalYAML encodes the marker as YAML null.
func (absent) MarshalYAML() (any, error) { return nil, nil }

// None is the explicit-absence marker. An override layer that maps a key to
// None removes that key from a merge performed with removeNone set.
var None any = absent{}

// IsNone reports whether v is the explicit-absence marker.
func IsNone(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Set is an insertion-ordered mapping from directive name to value.
// A nil *Set behaves as an empty set for every read operation.
type Set struct {
	keys   []string
	values map[string]any
}

// New returns an empty Set.
func New() *Set {
	return &Set{values: make(map[string]any)}
}

// Of builds a Set from alternating key/value arguments. It panics when a key is
// not a string or the argument count is odd; it is meant for literal defaults.
func Of(kv ...any) *Set {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("params: Of called with odd argument count %d", len(kv)))
	}
	s := New()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("params: key at position %d is %T, not string", i, kv[i]))
		}
		s.Set(key, kv[i+1])
	}
	return s
}

// Len returns the number of keys.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the keys in insertion order.
func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Get returns the value stored under key.
func (s *Set) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present, including keys set to None.
func (s *Set) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value under key. An existing key keeps its position.
func (s *Set) Set(key string, value any) {
	if s.values == nil {
		s.values = make(map[string]any)
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Set) Delete(key string) {
	if s == nil {
		return
	}
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy. Nested sets and slices are copied as well.
func (s *Set) Clone() *Set {
	out := New()
	if s == nil {
		return out
	}
	for _, k := range s.keys {
		out.Set(k, cloneValue(s.values[k]))
	}
	return out
}

// Sub returns the nested set stored under key.
func (s *Set) Sub(key string) (*Set, bool) {
	v, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Set)
	return sub, ok
}

// Float returns the numeric value stored under key as float64.
func (s *Set) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Ints returns the value under key as an integer slice, accepting []int and
// []any holding integral numbers.
func (s *Set) Ints(key string) ([]int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case []int:
		out := make([]int, len(vv))
		copy(out, vv)
		return out, true
	case []any:
		out := make([]int, 0, len(vv))
		for _, item := range vv {
			f, ok := toFloat(item)
			if !ok || f != float64(int(f)) {
				return nil, false
			}
			out = append(out, int(f))
		}
		return out, true
	}
	return nil, false
}

// Map returns the set as a plain map. Order is lost.
func (s *Set) Map() map[string]any {
	out := make(map[string]any, s.Len())
	if s == nil {
		return out
	}
	for _, k := range s.keys {
		out[k] = s.values[k]
	}
	return out
}

// Equal reports whether both sets hold the same keys in the same order with
// deeply equal values.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i, k := range s.Keys() {
		if o.keys[i] != k {
			return false
		}
		if !valueEqual(s.values[k], o.values[k]) {
			return false
		}
	}
	return true
}

// String renders the set as "{k: v, ...}" in key order.
func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, s.values[k])
	}
	b.WriteByte('}')
	return b.String()
}

func valueEqual(a, b any) bool {
	as, aok := a.(*Set)
	bs, bok := b.(*Set)
	if aok || bok {
		return aok && bok && as.Equal(bs)
	}
	return reflect.DeepEqual(a, b)
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case *Set:
		return vv.Clone()
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	case []int:
		out := make([]int, len(vv))
		copy(out, vv)
		return out
	case []float64:
		out := make([]float64, len(vv))
		copy(out, vv)
		return out
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
