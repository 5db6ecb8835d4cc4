package genstore

import (
	"context"
	"sync"
)

// LocalGenStore keeps generations in-process for the life of the store.
type LocalGenStore struct {
	mu   sync.RWMutex
	gens map[string]uint64
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore() *LocalGenStore {
	return &LocalGenStore{gens: make(map[string]uint64)}
}

func (s *LocalGenStore) Snapshot(_ context.Context, region string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[region]
	s.mu.RUnlock()
	return g, nil
}

// SnapshotMany takes the read lock once for all regions.
func (s *LocalGenStore) SnapshotMany(_ context.Context, regions []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(regions))
	s.mu.RLock()
	for _, r := range regions {
		out[r] = s.gens[r]
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, region string) (uint64, error) {
	s.mu.Lock()
	s.gens[region]++
	g := s.gens[region]
	s.mu.Unlock()
	return g, nil
}

func (s *LocalGenStore) Close(context.Context) error { return nil }
