// Package store declares the persistence contracts the gossip engine depends
// on. Concrete implementations live in subpackages (memory, postgres,
// redisclock); the engine itself only ever imports this package.
package store

import (
	"context"

	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

// Stats is a snapshot of event-store occupancy, returned by Stats().
type Stats struct {
	TotalEvents int
	NodeCounts  map[model.NodeID]int
}

// EventStore is the persistence contract for the append-only event log.
// Implementations must tolerate concurrent reads and serialize writes; only
// SaveBatch is required to be atomic across its argument events.
type EventStore interface {
	// Save persists event. It is idempotent: saving an event whose ID is
	// already present is a silent no-op.
	Save(ctx context.Context, event *model.Event) error

	// SaveBatch saves every event in events. Implementations may make this
	// atomic; callers must not rely on partial failure semantics beyond
	// "some prefix may have been persisted on error".
	SaveBatch(ctx context.Context, events []*model.Event) error

	// EventsSince returns events originated by node with LogicalTimestamp >
	// afterTS, ordered ascending by LogicalTimestamp, truncated to limit
	// when limit > 0. afterTS == 0 returns from the beginning.
	EventsSince(ctx context.Context, node model.NodeID, afterTS uint64, limit int) ([]*model.Event, error)

	// Get returns the event with the given id, or (nil, nil) if absent.
	Get(ctx context.Context, id string) (*model.Event, error)

	// Has reports whether id is already stored.
	Has(ctx context.Context, id string) (bool, error)

	// Count returns the total number of stored events.
	Count(ctx context.Context) (int, error)

	// CountForNode returns the number of events originated by node.
	CountForNode(ctx context.Context, node model.NodeID) (int, error)

	// LatestTimestamp returns the highest LogicalTimestamp stored for node,
	// or 0 if none.
	LatestTimestamp(ctx context.Context, node model.NodeID) (uint64, error)

	// LatestTimestampsForAllNodes returns LatestTimestamp for every node that
	// has at least one stored event.
	LatestTimestampsForAllNodes(ctx context.Context) (map[model.NodeID]uint64, error)

	// EventsInRange returns events with LogicalTimestamp in [startTS, endTS],
	// optionally filtered to a single node, truncated to limit when limit > 0.
	EventsInRange(ctx context.Context, startTS, endTS uint64, node *model.NodeID, limit int) ([]*model.Event, error)

	// RemoveOlderThan deletes events whose CreationTimestamp (ms) is before
	// cutoffMS.
	RemoveOlderThan(ctx context.Context, cutoffMS int64) error

	// RemoveForNode deletes every event originated by node.
	RemoveForNode(ctx context.Context, node model.NodeID) error

	// Clear deletes every event.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error

	// Stats reports store occupancy.
	Stats(ctx context.Context) (Stats, error)
}

// VectorClockStore is the persistence contract for a node's own vector
// clock. Implementations must be atomic at the record level: a crash during
// Save must leave either the prior snapshot or the new one, never a torn
// write.
type VectorClockStore interface {
	// Save persists clock as the snapshot for node, replacing any prior one.
	Save(ctx context.Context, node model.NodeID, clock *vectorclock.Clock) error

	// Load returns the persisted clock for node, or (nil, nil) if none has
	// ever been saved.
	Load(ctx context.Context, node model.NodeID) (*vectorclock.Clock, error)

	// Has reports whether a snapshot exists for node.
	Has(ctx context.Context, node model.NodeID) (bool, error)

	// Delete removes the snapshot for node, if any.
	Delete(ctx context.Context, node model.NodeID) error

	// Close releases any resources held by the store.
	Close() error
}
