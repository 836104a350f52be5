package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory completed checkpoint store.
// It is suitable for testing and single-process jobs that do not need to
// survive a coordinator restart.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[int64]*Completed
	retention   retention
	closed      bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[int64]*Completed),
		retention:   newRetention(opts),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, c *Completed) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if _, exists := s.checkpoints[c.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateCheckpoint
	}

	// Copy so later mutation by the caller cannot change stored state
	s.checkpoints[c.ID] = c.Clone()

	infos := make([]Info, 0, len(s.checkpoints))
	for _, stored := range s.checkpoints {
		infos = append(infos, stored.Info())
	}
	var dropped []*Completed
	for _, id := range s.retention.prune(infos) {
		dropped = append(dropped, s.checkpoints[id])
		delete(s.checkpoints, id)
	}
	s.mu.Unlock()

	s.retention.subsumed(dropped)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Completed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (*Completed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var latest *Completed
	for _, c := range s.checkpoints {
		if latest == nil || c.ID > latest.ID {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	infos := make([]Info, 0, len(s.checkpoints))
	for _, c := range s.checkpoints {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.checkpoints = nil
	return nil
}

// Len returns the number of retained checkpoints (for testing).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}
