package memory

import (
	"context"
	"sync"

	"github.com/voxcraft/vox-cli/api/schemas"
)

// MemStore is an in-process MemoryStore used by tests and the default
// single-binary configuration.
type MemStore struct {
	mu    sync.RWMutex
	facts map[string]schemas.Fact
	order []string // insertion order, for stable All output
}

// NewMemStore creates an empty in-process fact store.
func NewMemStore() *MemStore {
	return &MemStore{facts: make(map[string]schemas.Fact)}
}

func (s *MemStore) Insert(_ context.Context, fact schemas.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.facts[fact.ID]; !exists {
		s.order = append(s.order, fact.ID)
	}
	s.facts[fact.ID] = fact
	return nil
}

func (s *MemStore) All(_ context.Context) ([]schemas.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schemas.Fact, 0, len(s.facts))
	for _, id := range s.order {
		if f, ok := s.facts[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.facts, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts), nil
}
