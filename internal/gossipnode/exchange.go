package gossipnode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/transport"
)

// buildDigest snapshots the current vector clock into a Digest ready to send.
func (n *GossipNode) buildDigest() *model.Digest {
	n.mu.Lock()
	summary := n.clock.Summary()
	n.mu.Unlock()
	return &model.Digest{
		SenderID:    n.cfg.NodeID,
		VectorClock: summary,
		CreatedAt:   time.Now(),
	}
}

// gossipWith drives one full active exchange against peer: send our digest,
// ingest whatever the responder already knows that we don't, and push back
// whatever the responder asked for.
func (n *GossipNode) gossipWith(ctx context.Context, peer model.Peer) ExchangeResult {
	start := time.Now()

	n.mu.Lock()
	tp, ok := n.nodeToTransport[peer.NodeID]
	n.mu.Unlock()
	if !ok {
		result := ExchangeResult{
			Peer: peer.NodeID, Success: false,
			Err: gerrors.NewPeerError(string(peer.NodeID), "no known transport address for peer"),
			Duration: time.Since(start),
		}
		n.exchangeBC.publish(result)
		return result
	}

	digest := n.buildDigest()
	resp, err := n.transport.SendDigest(ctx, tp, digest, n.cfg.GossipTimeout)
	if err != nil {
		n.bumpReliability(peer.NodeID, false)
		result := ExchangeResult{Peer: peer.NodeID, Success: false, Err: err, Duration: time.Since(start)}
		n.exchangeBC.publish(result)
		return result
	}

	if resp.SenderID != peer.NodeID {
		n.bumpReliability(peer.NodeID, false)
		n.logger.Warn("dropping digest response: sender id does not match expected peer",
			zap.String("peer", string(peer.NodeID)), zap.String("responder", string(resp.SenderID)))
		result := ExchangeResult{
			Peer: peer.NodeID, Success: false,
			Err:      gerrors.NewPeerError(string(peer.NodeID), "digest response sender id does not match expected peer"),
			Duration: time.Since(start),
		}
		n.exchangeBC.publish(result)
		return result
	}

	n.updateContact(peer.NodeID)
	n.bumpReliability(peer.NodeID, true)

	result := n.applyDigestResponse(ctx, peer.NodeID, tp, resp, start)
	n.exchangeBC.publish(result)
	return result
}

// applyDigestResponse ingests a verified digest response's events and
// pushes back anything the responder asked for. Shared by the active
// gossipWith exchange and the discovery handshake, which both reach this
// point only after confirming the response's sender id. It does not
// publish the result; callers publish once, after any caller-specific
// bookkeeping (e.g. binding a newly discovered peer).
func (n *GossipNode) applyDigestResponse(ctx context.Context, peerID model.NodeID, tp model.TransportPeer, resp *model.DigestResponse, start time.Time) ExchangeResult {
	received, err := n.ingestEvents(ctx, resp.Events, peerID)
	if err != nil {
		n.logger.Warn("failed to ingest events from digest response", zap.String("peer", string(peerID)), zap.Error(err))
	}

	sent := 0
	if len(resp.EventRequests) > 0 {
		candidates := n.gatherRequestedEvents(ctx, resp.EventRequests)
		if len(candidates) > 0 {
			batch := capBatch(candidates, n.cfg.MaxEventsPerMessage, n.cfg.MaxMessageSizeBytes)
			msg := &model.EventMessage{SenderID: n.cfg.NodeID, Events: batch, CreatedAt: time.Now()}
			if err := n.transport.SendEvents(ctx, tp, msg, n.cfg.GossipTimeout); err != nil {
				n.logger.Warn("failed to push requested events", zap.String("peer", string(peerID)), zap.Error(err))
			} else {
				sent = len(batch)
			}
		}
	}

	return ExchangeResult{
		Peer: peerID, Success: true,
		EventsExchanged: received + sent,
		Duration:        time.Since(start),
	}
}

func (n *GossipNode) gatherRequestedEvents(ctx context.Context, requests map[model.NodeID]uint64) []*model.Event {
	var out []*model.Event
	for node, afterTS := range requests {
		events, err := n.eventStore.EventsSince(ctx, node, afterTS, n.cfg.MaxEventsPerMessage)
		if err != nil {
			n.logger.Warn("failed to gather requested events", zap.String("for_node", string(node)), zap.Error(err))
			continue
		}
		out = append(out, events...)
	}
	return out
}

// handleIncomingDigest is the passive side of an exchange: answer a peer's
// digest with whatever we have that they lack, and ask for whatever they
// have that we lack.
func (n *GossipNode) handleIncomingDigest(ctx context.Context, msg transport.IncomingDigest) {
	senderID := msg.Digest.SenderID

	n.mu.Lock()
	if existing, bound := n.addrToNode[msg.From.Address]; bound && existing != senderID {
		n.mu.Unlock()
		n.logger.Warn("dropping digest: sender id does not match address binding",
			zap.String("address", string(msg.From.Address)),
			zap.String("claimed", string(senderID)), zap.String("bound", string(existing)))
		return
	}
	n.bindPeerLocked(msg.From, senderID)
	localSummary := n.clock.Summary()
	n.mu.Unlock()

	remoteSummary := msg.Digest.VectorClock

	nodes := make(map[model.NodeID]struct{}, len(localSummary)+len(remoteSummary))
	for node := range localSummary {
		nodes[model.NodeID(node)] = struct{}{}
	}
	for node := range remoteSummary {
		nodes[model.NodeID(node)] = struct{}{}
	}

	var toSend []*model.Event
	requests := make(map[model.NodeID]uint64)
	for node := range nodes {
		localTS := localSummary[string(node)]
		remoteTS := remoteSummary[string(node)]
		if localTS > remoteTS {
			events, err := n.eventStore.EventsSince(ctx, node, remoteTS, n.cfg.MaxEventsPerMessage)
			if err != nil {
				n.logger.Warn("failed to gather events for digest response", zap.String("node", string(node)), zap.Error(err))
				continue
			}
			toSend = append(toSend, events...)
		}
		if remoteTS > localTS {
			requests[node] = localTS
		}
	}

	batch := capBatch(toSend, n.cfg.MaxEventsPerMessage, n.cfg.MaxMessageSizeBytes)
	resp := &model.DigestResponse{
		SenderID:      n.cfg.NodeID,
		Events:        batch,
		EventRequests: requests,
		CreatedAt:     time.Now(),
	}

	if err := msg.Respond(ctx, resp); err != nil {
		n.bumpReliability(senderID, false)
		n.logger.Warn("failed to respond to digest", zap.String("peer", string(senderID)), zap.Error(err))
		return
	}
	n.updateContact(senderID)
	n.bumpReliability(senderID, true)
}

// handleIncomingEvents is the terminal phase: a peer pushing the events we
// asked for (or an unsolicited push).
func (n *GossipNode) handleIncomingEvents(ctx context.Context, msg transport.IncomingEvents) {
	senderID := msg.Message.SenderID

	n.mu.Lock()
	if existing, bound := n.addrToNode[msg.From.Address]; bound && existing != senderID {
		n.mu.Unlock()
		n.logger.Warn("dropping event batch: sender id does not match address binding",
			zap.String("address", string(msg.From.Address)),
			zap.String("claimed", string(senderID)), zap.String("bound", string(existing)))
		return
	}
	n.bindPeerLocked(msg.From, senderID)
	n.mu.Unlock()

	if _, err := n.ingestEvents(ctx, msg.Message.Events, senderID); err != nil {
		n.logger.Warn("failed to ingest pushed events", zap.String("peer", string(senderID)), zap.Error(err))
		return
	}
	n.updateContact(senderID)
}

// ingestEvents saves every event in events that isn't already known,
// advances the vector clock for each one's originator, and publishes
// eventReceived for each. It returns the count actually learned (new).
func (n *GossipNode) ingestEvents(ctx context.Context, events []*model.Event, fromPeer model.NodeID) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	fresh := make([]*model.Event, 0, len(events))
	for _, e := range events {
		if n.dedup != nil && n.dedup.seen(e.ID) {
			continue
		}
		has, err := n.eventStore.Has(ctx, e.ID)
		if err != nil {
			return 0, gerrors.NewStoreError(err)
		}
		if has {
			if n.dedup != nil {
				n.dedup.mark(e.ID)
			}
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := n.eventStore.SaveBatch(ctx, fresh); err != nil {
		return 0, gerrors.NewStoreError(err)
	}

	n.mu.Lock()
	for _, e := range fresh {
		if n.clock.Get(string(e.NodeID)) < e.LogicalTimestamp {
			_ = n.clock.Set(string(e.NodeID), e.LogicalTimestamp)
		}
	}
	n.mu.Unlock()

	for _, e := range fresh {
		if n.dedup != nil {
			n.dedup.mark(e.ID)
		}
		n.eventReceivedBC.publish(ReceivedEvent{Event: e, FromPeer: fromPeer, ReceivedAt: time.Now()})
	}

	n.saveClockBestEffort(ctx)
	return len(fresh), nil
}

// capBatch truncates events to respect maxCount and a best-effort maxBytes
// budget. The first event is always included so a batch never stalls
// forever; an individual event is never split or truncated.
func capBatch(events []*model.Event, maxCount, maxBytes int) []*model.Event {
	if len(events) == 0 {
		return events
	}
	out := make([]*model.Event, 0, len(events))
	total := 0
	for _, e := range events {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		size, err := model.EncodedSize(e)
		if err != nil {
			continue
		}
		if len(out) > 0 && maxBytes > 0 && total+size > maxBytes {
			break
		}
		out = append(out, e)
		total += size
	}
	return out
}
