// Package memory provides in-process EventStore and VectorClockStore
// implementations, used by tests and as the default store for single-process
// deployments. The locking discipline mirrors the single-mutex-per-shared-
// state pattern the gossip engine itself uses (see internal/gossipnode).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
)

// EventStore is an in-memory, mutex-guarded EventStore.
type EventStore struct {
	mu     sync.RWMutex
	byID   map[string]*model.Event
	byNode map[model.NodeID][]*model.Event // kept sorted by LogicalTimestamp
}

// NewEventStore returns an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		byID:   make(map[string]*model.Event),
		byNode: make(map[model.NodeID][]*model.Event),
	}
}

func (s *EventStore) Save(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(event)
}

func (s *EventStore) saveLocked(event *model.Event) error {
	if _, exists := s.byID[event.ID]; exists {
		return nil
	}
	s.byID[event.ID] = event

	list := s.byNode[event.NodeID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].LogicalTimestamp >= event.LogicalTimestamp
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = event
	s.byNode[event.NodeID] = list
	return nil
}

func (s *EventStore) SaveBatch(_ context.Context, events []*model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if err := s.saveLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStore) EventsSince(_ context.Context, node model.NodeID, afterTS uint64, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byNode[node]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].LogicalTimestamp > afterTS
	})
	remaining := list[idx:]
	if limit > 0 && len(remaining) > limit {
		remaining = remaining[:limit]
	}
	out := make([]*model.Event, len(remaining))
	copy(out, remaining)
	return out, nil
}

func (s *EventStore) Get(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id], nil
}

func (s *EventStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok, nil
}

func (s *EventStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

func (s *EventStore) CountForNode(_ context.Context, node model.NodeID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNode[node]), nil
}

func (s *EventStore) LatestTimestamp(_ context.Context, node model.NodeID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byNode[node]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].LogicalTimestamp, nil
}

func (s *EventStore) LatestTimestampsForAllNodes(_ context.Context) (map[model.NodeID]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.NodeID]uint64, len(s.byNode))
	for node, list := range s.byNode {
		if len(list) > 0 {
			out[node] = list[len(list)-1].LogicalTimestamp
		}
	}
	return out, nil
}

func (s *EventStore) EventsInRange(_ context.Context, startTS, endTS uint64, node *model.NodeID, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	collect := func(list []*model.Event) {
		for _, e := range list {
			if limit > 0 && len(out) >= limit {
				return
			}
			if e.LogicalTimestamp >= startTS && e.LogicalTimestamp <= endTS {
				out = append(out, e)
			}
		}
	}

	if node != nil {
		collect(s.byNode[*node])
		return out, nil
	}
	for _, list := range s.byNode {
		collect(list)
	}
	return out, nil
}

func (s *EventStore) RemoveOlderThan(_ context.Context, cutoffMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for node, list := range s.byNode {
		kept := list[:0:0]
		for _, e := range list {
			if e.CreationTimestamp >= cutoffMS {
				kept = append(kept, e)
			} else {
				delete(s.byID, e.ID)
			}
		}
		if len(kept) == 0 {
			delete(s.byNode, node)
		} else {
			s.byNode[node] = kept
		}
	}
	return nil
}

func (s *EventStore) RemoveForNode(_ context.Context, node model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byNode[node] {
		delete(s.byID, e.ID)
	}
	delete(s.byNode, node)
	return nil
}

func (s *EventStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*model.Event)
	s.byNode = make(map[model.NodeID][]*model.Event)
	return nil
}

func (s *EventStore) Close() error {
	return nil
}

func (s *EventStore) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.NodeID]int, len(s.byNode))
	for node, list := range s.byNode {
		counts[node] = len(list)
	}
	return store.Stats{TotalEvents: len(s.byID), NodeCounts: counts}, nil
}

var _ store.EventStore = (*EventStore)(nil)
