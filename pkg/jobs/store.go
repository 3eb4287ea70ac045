package jobs

import (
	"context"
	"sort"
	"sync"
)

// Store persists job records. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uint64) (Job, error)
	Jobs(ctx context.Context) ([]Job, error)
	// MaxID returns the highest assigned job id, 0 when empty. The
	// coordinator seeds its monotonic counter from it on startup.
	MaxID(ctx context.Context) (uint64, error)
}

// MemoryStore keeps jobs in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uint64]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uint64]Job)}
}

func (s *MemoryStore) SaveJob(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uint64) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) Jobs(ctx context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MaxID(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest uint64
	for id := range s.jobs {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}
