package ledger

import (
	"context"
	"sync"

	"github.com/raphaelgruber/contentops/internal/models"
)

// MemoryStore is a Store backed by a map. Used in tests and single-process
// local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[models.Key]*models.ContentEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[models.Key]*models.ContentEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key models.Key) (*models.ContentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, entry *models.ContentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.Key()
	if _, ok := s.entries[key]; ok {
		return ErrAlreadyExists
	}
	entry.Version = 1
	s.entries[key] = entry.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, entry *models.ContentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.Key()
	current, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != entry.Version {
		return ErrVersionConflict
	}
	entry.Version++
	s.entries[key] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key models.Key, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != version {
		return ErrVersionConflict
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*models.ContentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ContentEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	SortEntries(out)
	return out, nil
}
