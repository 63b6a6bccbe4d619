package host

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// FeatureStore persists the committed features of one layer.
type FeatureStore interface {
	Put(f *Feature) error
	Delete(id FeatureID) error
	Get(id FeatureID) (*Feature, bool, error)
	All() ([]*Feature, error)
	Truncate() error
	Close() error
}

// MemoryStore is a FeatureStore kept in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	features map[FeatureID]*Feature
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{features: make(map[FeatureID]*Feature)}
}

func (s *MemoryStore) Put(f *Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.ID] = f.Clone()
	return nil
}

func (s *MemoryStore) Delete(id FeatureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[id]; !ok {
		return fmt.Errorf("feature %d not found", id)
	}
	delete(s.features, id)
	return nil
}

func (s *MemoryStore) Get(id FeatureID) (*Feature, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[id]
	if !ok {
		return nil, false, nil
	}
	return f.Clone(), true, nil
}

// All returns the features ordered by id.
func (s *MemoryStore) All() ([]*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f.Clone())
	}
	slices.SortFunc(out, func(a, b *Feature) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = make(map[FeatureID]*Feature)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
