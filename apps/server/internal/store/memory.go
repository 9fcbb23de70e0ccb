package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stagehand/staging"
)

type memoryStore struct {
	mu       sync.RWMutex
	stagings map[string]*staging.Staging
	byRegion map[string][]string
	current  map[string]string
}

func NewMemoryStore() staging.Store {
	return &memoryStore{
		stagings: make(map[string]*staging.Staging),
		byRegion: make(map[string][]string),
		current:  make(map[string]string),
	}
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) Commit(_ context.Context, st *staging.Staging) error {
	if st == nil || st.ID == "" || st.RegionID == "" {
		return staging.Invalid("staging id and region are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stagings[st.ID]; exists {
		return fmt.Errorf("staging %s already exists", st.ID)
	}
	if prevID, ok := s.current[st.RegionID]; ok {
		if prev := s.stagings[prevID]; prev != nil {
			prev.IsActive = false
		}
	}
	stored := st.Clone()
	stored.IsActive = true
	s.stagings[st.ID] = stored
	s.byRegion[st.RegionID] = append(s.byRegion[st.RegionID], st.ID)
	s.current[st.RegionID] = st.ID
	return nil
}

func (s *memoryStore) Current(_ context.Context, regionID string) (*staging.Staging, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[regionID]
	if !ok {
		return nil, staging.ErrNotFound
	}
	st := s.stagings[id]
	if st == nil || !st.IsActive {
		return nil, staging.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *memoryStore) Get(_ context.Context, stagingID string) (*staging.Staging, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stagings[stagingID]
	if !ok {
		return nil, staging.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *memoryStore) History(_ context.Context, regionID string, limit int) ([]*staging.Staging, error) {
	s.mu.RLock()
	ids := s.byRegion[regionID]
	out := make([]*staging.Staging, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.stagings[ids[i]].Clone())
	}
	s.mu.RUnlock()

	// Newest insert first already; the stable sort only reorders clock skew.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ApprovedAt.After(out[j].ApprovedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Deactivate(_ context.Context, regionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.current[regionID]
	if !ok {
		return nil
	}
	if st := s.stagings[id]; st != nil {
		st.IsActive = false
	}
	delete(s.current, regionID)
	return nil
}
