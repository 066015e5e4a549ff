package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
)

// MemoryStore keeps values in process memory. A positive maxBytes bounds the
// total size of keys plus values; writes that would exceed it fail with a
// StorageFull error and leave the store untouched.
type MemoryStore struct {
	maxBytes int

	mu    sync.RWMutex
	data  map[string][]byte
	bytes int
}

// NewMemoryStore creates a MemoryStore. maxBytes <= 0 means unbounded.
func NewMemoryStore(maxBytes int) *MemoryStore {
	return &MemoryStore{maxBytes: maxBytes, data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.bytes + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		next -= len(key) + len(old)
	}
	if m.maxBytes > 0 && next > m.maxBytes {
		return faults.Newf(faults.KindStorageFull, "persistence",
			"writing %q needs %d bytes, limit is %d", key, next, m.maxBytes)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.bytes = next
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.bytes -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the bytes currently held.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
