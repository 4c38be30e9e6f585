package memory

import (
	"context"
	"sync"

	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

// ClockStore is an in-memory, mutex-guarded VectorClockStore. Save replaces
// the map entry wholesale, which is atomic under the guarding mutex and so
// trivially satisfies the "never a torn write" contract.
type ClockStore struct {
	mu       sync.RWMutex
	snapshots map[model.NodeID]*vectorclock.Clock
}

func NewClockStore() *ClockStore {
	return &ClockStore{snapshots: make(map[model.NodeID]*vectorclock.Clock)}
}

func (s *ClockStore) Save(_ context.Context, node model.NodeID, clock *vectorclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[node] = clock.Clone()
	return nil
}

func (s *ClockStore) Load(_ context.Context, node model.NodeID) (*vectorclock.Clock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.snapshots[node]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *ClockStore) Has(_ context.Context, node model.NodeID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[node]
	return ok, nil
}

func (s *ClockStore) Delete(_ context.Context, node model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, node)
	return nil
}

func (s *ClockStore) Close() error {
	return nil
}

var _ store.VectorClockStore = (*ClockStore)(nil)
