// Package safemap provides a generic concurrent map built on sync.Map, used
// as the registry of live sessions.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// The zero value is ready to use. A SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// New returns an empty SafeMap.
func New[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any previous value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value, or the zero value of V if absent
//   - true if the key was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, ok := m.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns a snapshot of the stored values in no particular order.
func (m *SafeMap[K, V]) Values() []V {
	var out []V
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})

	return out
}

// Len counts the entries. It is O(n).
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) bool {
		n++
		return true
	})

	return n
}
