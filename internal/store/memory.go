package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Repository in process memory. It is intended for
// tests and single-instance deployments that can afford to lose state.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Namespace]map[string]*Record
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[Namespace]map[string]*Record)}
}

// Get returns a copy of the record stored under key.
func (m *MemoryStore) Get(_ context.Context, ns Namespace, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecord(m.records[ns][key]), nil
}

// Mutate runs fn while holding the store lock.
func (m *MemoryStore) Mutate(ctx context.Context, ns Namespace, key string, fn MutateFunc) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.records[ns][key]
	next, err := fn(cloneRecord(current))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cloneRecord(current), nil
	}

	if _, ok := m.records[ns]; !ok {
		m.records[ns] = make(map[string]*Record)
	}
	m.records[ns][key] = cloneRecord(next)
	return cloneRecord(next), nil
}

// DeleteBefore removes records in ns last written before cutoff.
func (m *MemoryStore) DeleteBefore(_ context.Context, ns Namespace, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, rec := range m.records[ns] {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.records[ns], key)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
