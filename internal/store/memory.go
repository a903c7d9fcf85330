package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put writes value unconditionally.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := m.records[key].Version + 1
	m.records[key] = Record{Key: key, Value: clone(value), Version: version}
	return version, nil
}

// Get returns the record for key.
func (m *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Value = clone(rec.Value)
	return rec, nil
}

// CompareAndSwap writes value if the stored version equals expected.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expected int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[key]
	switch {
	case !ok && expected != 0:
		return 0, ErrVersionConflict
	case ok && current.Version != expected:
		return 0, ErrVersionConflict
	}

	version := expected + 1
	m.records[key] = Record{Key: key, Value: clone(value), Version: version}
	return version, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

// Query returns matching records ordered by key.
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		rec.Value = clone(rec.Value)
		records = append(records, rec)
	}
	m.mu.RUnlock()

	return applyFilter(records, filter), nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
