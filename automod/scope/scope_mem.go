package scope

import (
	"context"
	"sort"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		sets: make(map[string]map[string]bool),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Contains(ctx context.Context, communityID, channelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[communityID]
	if !ok || len(set) == 0 {
		// no restriction configured, everything is in scope
		return true, nil
	}
	return set[channelID], nil
}

func (s *MemStore) Add(ctx context.Context, communityID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[communityID]
	if !ok {
		set = make(map[string]bool)
		s.sets[communityID] = set
	}
	set[channelID] = true
	return nil
}

func (s *MemStore) Remove(ctx context.Context, communityID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[communityID]; ok {
		delete(set, channelID)
	}
	return nil
}

func (s *MemStore) List(ctx context.Context, communityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for ch := range s.sets[communityID] {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}
