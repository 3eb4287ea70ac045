package budget

import (
	"context"
	"sync"
)

// Store persists budget entries so consumption survives process restart.
// Open reservations are never persisted; a crash releases them.
type Store interface {
	// SaveEntry upserts the entry for a category.
	SaveEntry(ctx context.Context, e Entry) error
	// LoadEntries returns all persisted entries.
	LoadEntries(ctx context.Context) ([]Entry, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) SaveEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Category] = e
	return nil
}

func (s *MemoryStore) LoadEntries(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}
