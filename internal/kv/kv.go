// Package kv provides the durable key-value persistence used by the sync
// core for the operation queue, cached domain records, and asset metadata.
package kv

import (
	"sort"
	"strings"
	"sync"
)

// Store is the persistence contract the sync core depends on. Every Set and
// Delete must be durable before it returns so that a process restart
// recovers the exact pre-crash state.
type Store interface {
	// Get returns the value for a key. The second return is false when the
	// key does not exist.
	Get(key string) ([]byte, bool, error)

	// Set durably writes a value. A single Set is atomic: readers never
	// observe a partial write.
	Set(key string, value []byte) error

	// Delete durably removes a key. Deleting a missing key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// MemoryStore is an in-memory Store used by tests and by callers that opt
// out of durability. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns the value for a key.
func (m *MemoryStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	dup := make([]byte, len(v))
	copy(dup, v)
	return dup, true, nil
}

// Set writes a value.
func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := make([]byte, len(value))
	copy(dup, value)
	m.data[key] = dup
	return nil
}

// Delete removes a key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Snapshot returns a copy of the full contents. Test helper for simulating
// a crash: NewMemoryStoreFrom(Snapshot()) models a restart that kept only
// what was durably written.
func (m *MemoryStore) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		dup := make([]byte, len(v))
		copy(dup, v)
		out[k] = dup
	}
	return out
}

// NewMemoryStoreFrom creates a MemoryStore seeded with existing contents.
func NewMemoryStoreFrom(data map[string][]byte) *MemoryStore {
	m := NewMemoryStore()
	for k, v := range data {
		m.Set(k, v)
	}
	return m
}
