// Package store implements the in-memory key-value map owned by each
// Replica (primary or secondary). It has no insertion-order semantics and
// no durability of its own -- durability is the concern of the
// persistence package.
package store

import "github.com/kvreplica/kvreplica/protocol"

// Map is a Replica's private view of the keyspace. It is never shared
// between Replicas or accessed concurrently: each actor owns exactly one
// Map and mutates it only from its own run loop.
type Map struct {
	entries map[protocol.Key]protocol.Value
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[protocol.Key]protocol.Value)}
}

// Put binds key to value, overwriting any prior binding.
func (m *Map) Put(key protocol.Key, value protocol.Value) {
	m.entries[key] = value
}

// Delete unbinds key. It is a no-op if key was not present.
func (m *Map) Delete(key protocol.Key) {
	delete(m.entries, key)
}

// Apply binds key to *value, or deletes it if value is nil. This mirrors
// the Insert-on-Some/delete-on-None rule used when applying a Snapshot.
func (m *Map) Apply(key protocol.Key, value *protocol.Value) {
	if value == nil {
		m.Delete(key)
	} else {
		m.Put(key, *value)
	}
}

// Get returns the value bound to key, and whether it was present.
func (m *Map) Get(key protocol.Key) (protocol.Value, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Snapshot returns a point-in-time copy of every binding. Used only to
// seed a newly joined secondary via synthetic Inserts; callers must not
// assume ordering.
func (m *Map) Snapshot() map[protocol.Key]protocol.Value {
	var out = make(map[protocol.Key]protocol.Value, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of bindings currently held.
func (m *Map) Len() int { return len(m.entries) }
