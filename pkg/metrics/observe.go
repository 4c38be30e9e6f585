package metrics

import (
	"context"
	"time"

	"github.com/ruvnet/gossiped/internal/gossipnode"
)

// Observe subscribes to node's broadcast channels and keeps m updated until
// ctx is cancelled. It is a thin bridge: all the actual bookkeeping already
// happens inside GossipNode, this just mirrors it into Prometheus.
func Observe(ctx context.Context, node *gossipnode.GossipNode, m *Metrics) {
	created := node.EventCreated()
	received := node.EventReceived()
	exchanges := node.GossipExchange()
	peerAdded := node.PeerAdded()
	peerRemoved := node.PeerRemoved()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-created:
				if !ok {
					return
				}
				m.RecordEventCreated()
			case ev, ok := <-received:
				if !ok {
					return
				}
				m.RecordEventReceived(string(ev.FromPeer))
			case result, ok := <-exchanges:
				if !ok {
					return
				}
				m.RecordExchange(result.Success, result.Duration, result.EventsExchanged)
			case <-peerAdded:
				m.SetPeersKnown(len(node.Peers()))
			case <-peerRemoved:
				m.SetPeersKnown(len(node.Peers()))
			case <-ticker.C:
				summary := node.VectorClock()
				m.SetVectorClockNodes(len(summary))
				m.SetPeersKnown(len(node.Peers()))
			}
		}
	}()
}
