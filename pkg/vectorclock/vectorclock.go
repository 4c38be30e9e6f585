// Package vectorclock implements the per-node logical timestamp map used to
// track causality across the gossip engine's event log.
package vectorclock

import (
	"maps"

	"github.com/ruvnet/gossiped/internal/gerrors"
)

// Relation is the result of comparing two clocks.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

// Clock is a mapping from NodeId to a non-negative logical timestamp. The
// zero value is a valid, empty clock. Missing keys read as 0.
type Clock struct {
	entries map[string]uint64
}

// New returns an empty clock.
func New() *Clock {
	return &Clock{entries: make(map[string]uint64)}
}

// FromMap builds a clock from a plain mapping, as produced by deserializing
// the wire format. Negative values cannot be represented since the map is
// uint64, but callers decoding from an untrusted wire format where a negative
// number could arrive as a signed integer should validate before calling
// FromMap and return gerrors.NewVectorClockError on failure.
func FromMap(m map[string]uint64) *Clock {
	c := &Clock{entries: make(map[string]uint64, len(m))}
	maps.Copy(c.entries, m)
	return c
}

// Get returns the logical timestamp for node, or 0 if node has never been
// recorded.
func (c *Clock) Get(node string) uint64 {
	if c == nil {
		return 0
	}
	return c.entries[node]
}

// Set assigns an explicit timestamp to node. ts must be representable as a
// non-negative integer; since Clock stores uint64 this is always true for Go
// callers, but Set rejects an empty node id.
func (c *Clock) Set(node string, ts uint64) error {
	if node == "" {
		return gerrors.NewVectorClockError("node id must not be empty")
	}
	if c.entries == nil {
		c.entries = make(map[string]uint64)
	}
	c.entries[node] = ts
	return nil
}

// Increment atomically sets node's entry to one more than its current value
// and returns the new value.
func (c *Clock) Increment(node string) (uint64, error) {
	if node == "" {
		return 0, gerrors.NewVectorClockError("node id must not be empty")
	}
	if c.entries == nil {
		c.entries = make(map[string]uint64)
	}
	c.entries[node]++
	return c.entries[node], nil
}

// Merge folds other into c by taking the per-key maximum. Merge is
// associative, commutative and idempotent.
func (c *Clock) Merge(other *Clock) {
	if other == nil {
		return
	}
	if c.entries == nil {
		c.entries = make(map[string]uint64)
	}
	for node, ts := range other.entries {
		if ts > c.entries[node] {
			c.entries[node] = ts
		}
	}
}

// Compare reports how c relates to other on the union of their keys.
func (c *Clock) Compare(other *Clock) Relation {
	cDominates, otherDominates := false, false

	for node, ts := range c.entries {
		ots := other.Get(node)
		switch {
		case ts > ots:
			cDominates = true
		case ts < ots:
			otherDominates = true
		}
	}
	for node, ots := range other.entries {
		if _, ok := c.entries[node]; ok {
			continue // already compared above
		}
		if ots > 0 {
			otherDominates = true
		}
	}

	switch {
	case !cDominates && !otherDominates:
		return Equal
	case cDominates && !otherDominates:
		return After
	case !cDominates && otherDominates:
		return Before
	default:
		return Concurrent
	}
}

// RemoveNode deletes node's entry, returning whether it was present.
func (c *Clock) RemoveNode(node string) bool {
	if c.entries == nil {
		return false
	}
	_, existed := c.entries[node]
	delete(c.entries, node)
	return existed
}

// Summary returns a read-only snapshot suitable for transmission as a
// Digest's vectorClockSummary. The returned map is a copy; mutating it does
// not affect c.
func (c *Clock) Summary() map[string]uint64 {
	out := make(map[string]uint64, len(c.entries))
	maps.Copy(out, c.entries)
	return out
}

// Clone returns a deep copy of c.
func (c *Clock) Clone() *Clock {
	return FromMap(c.entries)
}

// Len returns the number of nodes tracked in the clock.
func (c *Clock) Len() int {
	return len(c.entries)
}
