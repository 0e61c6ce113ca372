// Package value implements the typed structured value model that event
// payloads are built from, and the dotted field-path lookup rule used
// throughout predicate evaluation and aggregation grouping.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is any value that can sit in an event payload.
//
// Valid dynamic types:
//   - nil
//   - bool
//   - int64
//   - float64
//   - string
//   - Map  (nested mapping)
//   - List (ordered values)
type Value interface{}

// Map is a string-keyed mapping of fields to values, the payload shape of an
// Event and of any nested object within one.
type Map map[string]Value

// List is an ordered sequence of values.
type List []Value

// Lookup resolves a dotted field path against m.
//
// Resolution rule: first attempt a flat lookup using the whole path as a
// literal key; if absent, split on the first dot and recurse into the named
// child if it is itself a Map. This lets payloads carry either a literal key
// containing dots (e.g. "log.level" stored flat) or a genuinely nested
// mapping, and resolves both the same way.
func Lookup(m Map, path string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	idx := strings.IndexByte(path, '.')
	if idx < 0 {
		return nil, false
	}
	head, rest := path[:idx], path[idx+1:]
	child, ok := m[head]
	if !ok {
		return nil, false
	}
	childMap, ok := child.(Map)
	if !ok {
		return nil, false
	}
	return Lookup(childMap, rest)
}

// Set writes v at path, creating nested Maps as needed. It writes into m and
// into any nested Map already present along the path, in place; callers that
// need to tag a field onto an already-shared payload must build a fresh Map
// first (see Clone).
func Set(m Map, path string, v Value) {
	idx := strings.IndexByte(path, '.')
	if idx < 0 {
		m[path] = v
		return
	}
	head, rest := path[:idx], path[idx+1:]
	child, ok := m[head].(Map)
	if !ok {
		child = Map{}
		m[head] = child
	}
	Set(child, rest, v)
}

// IsNumeric reports whether v is an int64 or float64.
func IsNumeric(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

// AsFloat coerces an int64 or float64 to a float64. Numeric coercion rule:
// integers and reals compare as reals for relational operators whenever
// either side is real.
func AsFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Format renders v the way group-by keys are formatted: strings verbatim,
// integers as decimal, reals with 6 fractional digits, absent (nil Value
// passed in explicitly, or the caller's own sentinel for "missing") as the
// literal string "null".
func Format(v Value, present bool) string {
	if !present || v == nil {
		return "null"
	}
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', 6, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GroupKey concatenates the formatted values of fields (resolved via Lookup)
// into a single stable string key, used to key aggregation buckets.
func GroupKey(m Map, fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := Lookup(m, f)
		parts[i] = Format(v, ok)
	}
	return strings.Join(parts, "\x1f")
}

// Clone returns a deep copy of m, used whenever code must construct a fresh
// mapping instead of mutating a shared payload.
func Clone(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch t := v.(type) {
	case Map:
		return Clone(t)
	case List:
		out := make(List, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Normalize converts a value produced by encoding/json's generic decoding
// (map[string]interface{}, []interface{}, float64) into this package's
// value model (Map, List, and — where the float is integral — int64), so
// that Lookup's nested-Map recursion and numeric coercion both see the
// types they expect regardless of whether a payload was built by Go code
// or decoded off the wire.
func Normalize(v interface{}) Value {
	switch t := v.(type) {
	case map[string]Value:
		return Normalize(Map(t))
	case Map:
		out := make(Map, len(t))
		for k, child := range t {
			out[k] = Normalize(child)
		}
		return out
	case map[string]interface{}:
		out := make(Map, len(t))
		for k, child := range t {
			out[k] = Normalize(child)
		}
		return out
	case []interface{}:
		out := make(List, len(t))
		for i, child := range t {
			out[i] = Normalize(child)
		}
		return out
	case List:
		out := make(List, len(t))
		for i, child := range t {
			out[i] = Normalize(child)
		}
		return out
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

// NormalizeMap applies Normalize to every value in m, returning a new Map
// whose nested objects/arrays are this package's Map/List types throughout.
func NormalizeMap(m map[string]interface{}) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

// SortedKeys returns m's keys in sorted order, for callers that need a
// stable iteration order.
func SortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
