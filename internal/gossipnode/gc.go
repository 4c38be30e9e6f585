package gossipnode

import (
	"context"
	"time"

	"github.com/ruvnet/gossiped/internal/model"
)

// GarbageCollectVectorClock drops entries from the local vector clock for
// nodes other than the local node whose lastContactTime is older than
// NodeExpirationAge, or that have never been contacted. It is a no-op
// unless EnableVectorClockGC is set. Removing a stale entry means a later
// message from that node is treated as if it were never seen before, which
// is safe: store idempotency still prevents duplicate application of any
// event that happens to still be retained.
func (n *GossipNode) GarbageCollectVectorClock(ctx context.Context) ([]model.NodeID, error) {
	if !n.cfg.EnableVectorClockGC {
		return nil, nil
	}

	n.mu.Lock()
	cutoff := time.Now().Add(-n.cfg.NodeExpirationAge)
	summary := n.clock.Summary()

	var removed []model.NodeID
	for nodeStr := range summary {
		node := model.NodeID(nodeStr)
		if node == n.cfg.NodeID {
			continue
		}
		if last, known := n.lastContactTimes[node]; known && last.After(cutoff) {
			continue
		}
		if n.clock.RemoveNode(nodeStr) {
			removed = append(removed, node)
		}
	}
	n.mu.Unlock()

	if len(removed) > 0 {
		n.saveClockBestEffort(ctx)
	}
	return removed, nil
}
