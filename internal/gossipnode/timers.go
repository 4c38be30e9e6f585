package gossipnode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/model"
)

// runDigestHandler drains the transport's incoming digests for as long as
// the engine is initialized. It exits when handlerCtx is cancelled or the
// transport closes the channel.
func (n *GossipNode) runDigestHandler() {
	defer n.handlerWG.Done()
	for {
		select {
		case <-n.handlerCtx.Done():
			return
		case msg, ok := <-n.transport.IncomingDigests():
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
			n.handleIncomingDigest(ctx, msg)
			cancel()
		}
	}
}

// runEventsHandler drains the transport's incoming event batches, mirroring
// runDigestHandler.
func (n *GossipNode) runEventsHandler() {
	defer n.handlerWG.Done()
	for {
		select {
		case <-n.handlerCtx.Done():
			return
		case msg, ok := <-n.transport.IncomingEvents():
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
			n.handleIncomingEvents(ctx, msg)
			cancel()
		}
	}
}

// runGossipTimer fires one gossip cycle every GossipInterval until the timer
// context is cancelled by StopGossiping or Shutdown.
func (n *GossipNode) runGossipTimer() {
	defer n.timerWG.Done()
	ticker := time.NewTicker(n.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.timerCtx.Done():
			return
		case <-ticker.C:
			n.runGossipCycle()
		}
	}
}

// runGossipCycle selects fanout peers under the configured strategy and
// exchanges with each concurrently. A cycle that is still running when the
// next tick arrives is never overlapped, guarded by cycleInFlight.
func (n *GossipNode) runGossipCycle() {
	n.mu.Lock()
	if n.cycleInFlight {
		n.mu.Unlock()
		return
	}
	n.cycleInFlight = true
	candidates := n.peersSnapshotLocked()
	selected := n.selectPeers(candidates, n.cfg.Fanout)
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.cycleInFlight = false
		n.mu.Unlock()
	}()

	if len(selected) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range selected {
		wg.Add(1)
		go func(p model.Peer) {
			defer wg.Done()
			n.gossipWith(ctx, p)
		}(p)
	}
	wg.Wait()
}

// runDiscoveryTimer periodically asks the transport for newly reachable
// peers and binds any that announce a stable identity.
func (n *GossipNode) runDiscoveryTimer() {
	defer n.timerWG.Done()
	ticker := time.NewTicker(n.cfg.PeerDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.timerCtx.Done():
			return
		case <-ticker.C:
			n.runDiscoveryCycle()
		}
	}
}

func (n *GossipNode) runDiscoveryCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
	defer cancel()

	discovered, err := n.transport.DiscoverPeers(ctx)
	if err != nil {
		n.logger.Warn("peer discovery failed", zap.Error(err))
		return
	}

	fresh := make(map[model.TransportAddress]struct{}, len(discovered))
	for _, tp := range discovered {
		fresh[tp.Address] = struct{}{}

		n.mu.Lock()
		_, bound := n.addrToNode[tp.Address]
		n.mu.Unlock()
		if bound {
			continue
		}
		n.handshakeWith(ctx, tp)
	}

	n.pruneVanished(fresh)
}

// handshakeWith initiates an eager digest exchange against a transport-level
// peer whose address isn't yet bound to a NodeId. Only a verified response
// establishes the NodeId<->address binding; discovery alone never fabricates
// or trusts an identity. A response claiming an address already bound to a
// different NodeId is treated as a conflict and aborts without modifying
// state.
func (n *GossipNode) handshakeWith(ctx context.Context, tp model.TransportPeer) {
	start := time.Now()
	digest := n.buildDigest()
	resp, err := n.transport.SendDigest(ctx, tp, digest, n.cfg.GossipTimeout)
	if err != nil {
		n.logger.Debug("discovery handshake failed", zap.String("address", string(tp.Address)), zap.Error(err))
		return
	}
	if resp.SenderID == "" {
		n.logger.Warn("discovery handshake response carried no sender id", zap.String("address", string(tp.Address)))
		return
	}

	n.mu.Lock()
	if existing, bound := n.addrToNode[tp.Address]; bound && existing != resp.SenderID {
		n.mu.Unlock()
		n.logger.Warn("discovery handshake conflict: address already bound to a different node id",
			zap.String("address", string(tp.Address)),
			zap.String("claimed", string(resp.SenderID)), zap.String("bound", string(existing)))
		return
	}
	n.bindPeerLocked(tp, resp.SenderID)
	n.mu.Unlock()

	n.updateContact(resp.SenderID)
	n.bumpReliability(resp.SenderID, true)

	result := n.applyDigestResponse(ctx, resp.SenderID, tp, resp, start)
	n.exchangeBC.publish(result)
}

// pruneVanished removes every peer for which none of its known transport
// addresses appeared in this cycle's fresh discovery results.
func (n *GossipNode) pruneVanished(fresh map[model.TransportAddress]struct{}) {
	n.mu.Lock()
	var vanished []model.NodeID
	for nodeID, addrs := range n.nodeToAddrs {
		stillPresent := false
		for addr := range addrs {
			if _, ok := fresh[addr]; ok {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			vanished = append(vanished, nodeID)
		}
	}

	removed := make([]model.Peer, 0, len(vanished))
	for _, nodeID := range vanished {
		if p, ok := n.removePeerLocked(nodeID); ok {
			removed = append(removed, p)
		}
	}
	n.mu.Unlock()

	for _, p := range removed {
		n.peerRemovedBC.publish(p)
	}
}

// runAntiEntropyTimer drives full, non-fanout-limited reconciliation against
// every known peer plus event/vector-clock retention, on a slower cadence
// than the regular gossip cycle.
func (n *GossipNode) runAntiEntropyTimer() {
	defer n.timerWG.Done()
	ticker := time.NewTicker(n.cfg.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.timerCtx.Done():
			return
		case <-ticker.C:
			n.runAntiEntropyCycle()
		}
	}
}

func (n *GossipNode) runAntiEntropyCycle() {
	n.mu.Lock()
	candidates := n.peersSnapshotLocked()
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p model.Peer) {
			defer wg.Done()
			n.gossipWith(ctx, p)
		}(p)
	}
	wg.Wait()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
	defer cleanupCancel()
	cutoff := time.Now().Add(-n.cfg.MaxEventAge).UnixMilli()
	if err := n.eventStore.RemoveOlderThan(cleanupCtx, cutoff); err != nil {
		n.logger.Warn("event retention cleanup failed", zap.Error(err))
	}

	if n.cfg.EnableVectorClockGC {
		gcCtx, gcCancel := context.WithTimeout(context.Background(), n.cfg.GossipTimeout)
		defer gcCancel()
		removed, err := n.GarbageCollectVectorClock(gcCtx)
		if err != nil {
			n.logger.Warn("vector clock garbage collection failed", zap.Error(err))
		} else if len(removed) > 0 {
			n.logger.Info("garbage collected vector clock entries", zap.Int("count", len(removed)))
		}
	}
}
