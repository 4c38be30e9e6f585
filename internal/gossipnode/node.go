// Package gossipnode implements the GossipNode state machine: the engine
// that coordinates a node's vector clock, its local event log, its known
// peers, and the three-phase digest/response/events anti-entropy exchange.
// It generalizes a leaderless broadcast primitive into a
// causally-consistent event log synchronizer.
package gossipnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/config"
	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
	"github.com/ruvnet/gossiped/internal/transport"
	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

// GossipNode is the core gossip engine. A single mutex guards every piece of
// state that is mutated from more than one of the node's suspension points
// (timer ticks, incoming-message handlers, exchange goroutines). A single
// guarding mutex is the natural fit here, since Go's goroutines are
// preemptively scheduled rather than cooperatively yielding.
type GossipNode struct {
	cfg        *config.Config
	logger     *zap.Logger
	eventStore store.EventStore
	clockStore store.VectorClockStore
	transport  transport.Transport
	dedup      *dedupCache

	mu               sync.Mutex
	state            State
	clock            *vectorclock.Clock
	peers            map[model.NodeID]*model.Peer
	addrToNode       map[model.TransportAddress]model.NodeID
	nodeToAddrs      map[model.NodeID]map[model.TransportAddress]struct{}
	nodeToTransport  map[model.NodeID]model.TransportPeer
	lastContactTimes map[model.NodeID]time.Time
	reliability      map[model.NodeID]int
	roundRobinCursor int
	cycleInFlight    bool

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	handlerWG     sync.WaitGroup

	timerCtx    context.Context
	timerCancel context.CancelFunc
	timerWG     sync.WaitGroup

	eventCreatedBC  *broadcaster[*model.Event]
	eventReceivedBC *broadcaster[ReceivedEvent]
	peerAddedBC     *broadcaster[model.Peer]
	peerRemovedBC   *broadcaster[model.Peer]
	exchangeBC      *broadcaster[ExchangeResult]
}

// New constructs a GossipNode in the New state. clockStore may be nil, in
// which case the engine runs without vector-clock persistence (clock starts
// empty every time and is never saved).
func New(cfg *config.Config, eventStore store.EventStore, tr transport.Transport, clockStore store.VectorClockStore, logger *zap.Logger) (*GossipNode, error) {
	if cfg == nil {
		return nil, gerrors.NewInvalidConfig("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eventStore == nil {
		return nil, gerrors.NewInvalidConfig("event store must not be nil")
	}
	if tr == nil {
		return nil, gerrors.NewInvalidConfig("transport must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var dedup *dedupCache
	if cfg.EnableDuplicateDetection {
		var err error
		dedup, err = newDedupCache(cfg.DuplicateCacheSize)
		if err != nil {
			return nil, gerrors.NewInvalidConfig(fmt.Sprintf("failed to build duplicate cache: %v", err))
		}
	}

	return &GossipNode{
		cfg:              cfg,
		logger:           logger.With(zap.String("node_id", string(cfg.NodeID))),
		eventStore:       eventStore,
		clockStore:       clockStore,
		transport:        tr,
		dedup:            dedup,
		state:            StateNew,
		clock:            vectorclock.New(),
		peers:            make(map[model.NodeID]*model.Peer),
		addrToNode:       make(map[model.TransportAddress]model.NodeID),
		nodeToAddrs:      make(map[model.NodeID]map[model.TransportAddress]struct{}),
		nodeToTransport:  make(map[model.NodeID]model.TransportPeer),
		lastContactTimes: make(map[model.NodeID]time.Time),
		reliability:      make(map[model.NodeID]int),
		eventCreatedBC:   newBroadcaster[*model.Event](),
		eventReceivedBC:  newBroadcaster[ReceivedEvent](),
		peerAddedBC:      newBroadcaster[model.Peer](),
		peerRemovedBC:    newBroadcaster[model.Peer](),
		exchangeBC:       newBroadcaster[ExchangeResult](),
	}, nil
}

// Initialize brings the engine up: starts the transport, loads any
// persisted vector clock, and subscribes to the incoming-message channels.
// It is idempotent once past the New state, and fails with NotInitialized
// if the engine has already been shut down.
func (n *GossipNode) Initialize(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateInitialized, StateGossiping:
		n.mu.Unlock()
		return nil
	case StateShutdown:
		n.mu.Unlock()
		return gerrors.NewNotInitialized("engine has been shut down")
	}
	n.mu.Unlock()

	if err := n.transport.Initialize(ctx); err != nil {
		return gerrors.NewTransportError(err)
	}

	if n.clockStore != nil {
		snapshot, err := n.clockStore.Load(ctx, n.cfg.NodeID)
		if err != nil {
			n.logger.Warn("failed to load persisted vector clock, starting empty", zap.Error(err))
		} else if snapshot != nil {
			n.mu.Lock()
			n.clock = snapshot
			n.mu.Unlock()
		}
	}

	n.handlerCtx, n.handlerCancel = context.WithCancel(context.Background())
	n.handlerWG.Add(2)
	go n.runDigestHandler()
	go n.runEventsHandler()

	n.mu.Lock()
	n.state = StateInitialized
	n.mu.Unlock()
	return nil
}

// StartGossiping begins the periodic gossip, anti-entropy and peer
// discovery timers. It requires the engine to already be Initialized.
func (n *GossipNode) StartGossiping() error {
	n.mu.Lock()
	if n.state != StateInitialized {
		n.mu.Unlock()
		return gerrors.NewNotInitialized("startGossiping requires the engine to be initialized and not already gossiping")
	}
	n.state = StateGossiping
	n.mu.Unlock()

	n.timerCtx, n.timerCancel = context.WithCancel(context.Background())

	n.timerWG.Add(2)
	go n.runGossipTimer()
	go n.runDiscoveryTimer()
	if n.cfg.EnableAntiEntropy {
		n.timerWG.Add(1)
		go n.runAntiEntropyTimer()
	}
	return nil
}

// StopGossiping halts the periodic timers and returns the engine to
// Initialized. It requires the engine to currently be Gossiping.
func (n *GossipNode) StopGossiping() error {
	n.mu.Lock()
	if n.state != StateGossiping {
		n.mu.Unlock()
		return gerrors.NewNotInitialized("stopGossiping requires the engine to be gossiping")
	}
	n.state = StateInitialized
	n.mu.Unlock()

	n.timerCancel()
	n.timerWG.Wait()
	return nil
}

// Shutdown cancels all timers, unsubscribes from the transport, closes the
// published channels and closes the event store. It is valid from any
// non-terminal state and is idempotent.
func (n *GossipNode) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateShutdown {
		n.mu.Unlock()
		return nil
	}
	wasGossiping := n.state == StateGossiping
	n.state = StateShutdown
	n.mu.Unlock()

	if wasGossiping && n.timerCancel != nil {
		n.timerCancel()
		n.timerWG.Wait()
	}

	if n.handlerCancel != nil {
		n.handlerCancel()
	}
	if err := n.transport.Shutdown(ctx); err != nil {
		n.logger.Warn("transport shutdown reported an error", zap.Error(err))
	}
	n.handlerWG.Wait()

	n.eventCreatedBC.close()
	n.eventReceivedBC.close()
	n.peerAddedBC.close()
	n.peerRemovedBC.close()
	n.exchangeBC.close()

	if err := n.eventStore.Close(); err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

// IsInitialized reports whether the engine is Initialized or Gossiping.
func (n *GossipNode) IsInitialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == StateInitialized || n.state == StateGossiping
}

// IsGossiping reports whether the periodic timers are currently running.
func (n *GossipNode) IsGossiping() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == StateGossiping
}

func (n *GossipNode) requireLive() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateNew || n.state == StateShutdown {
		return gerrors.NewNotInitialized(fmt.Sprintf("engine is %s", n.state))
	}
	return nil
}

// Create stamps payload as a new local event, persists it, and publishes it
// on the eventCreated channel.
func (n *GossipNode) Create(ctx context.Context, payload map[string]any) (*model.Event, error) {
	if err := n.requireLive(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, gerrors.NewInvalidEvent("payload must not be empty")
	}

	n.mu.Lock()
	ts, err := n.clock.Increment(string(n.cfg.NodeID))
	n.mu.Unlock()
	if err != nil {
		return nil, gerrors.NewVectorClockError(err.Error())
	}

	event, err := model.NewEvent(n.cfg.NodeID, ts, payload)
	if err != nil {
		return nil, err
	}

	// Store errors during create are propagated: the core cannot silently
	// drop a local event. The clock increment above is retained regardless,
	// accepting a gap in the wire over a retrograde clock.
	if err := n.eventStore.Save(ctx, event); err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	if n.dedup != nil {
		n.dedup.mark(event.ID)
	}

	n.saveClockBestEffort(ctx)

	n.eventCreatedBC.publish(event)
	return event, nil
}

func (n *GossipNode) saveClockBestEffort(ctx context.Context) {
	if n.clockStore == nil {
		return
	}
	n.mu.Lock()
	snapshot := n.clock.Clone()
	n.mu.Unlock()

	if err := n.clockStore.Save(ctx, n.cfg.NodeID, snapshot); err != nil {
		n.logger.Warn("failed to persist vector clock", zap.Error(err))
	}
}

// Peers returns a snapshot of every currently known gossip-level peer.
func (n *GossipNode) Peers() []model.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peersSnapshotLocked()
}

// peersSnapshotLocked must be called with n.mu held.
func (n *GossipNode) peersSnapshotLocked() []model.Peer {
	out := make([]model.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// VectorClock returns a read-only snapshot of the engine's current vector
// clock.
func (n *GossipNode) VectorClock() map[string]uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Summary()
}

// EventCreated subscribes to locally authored events.
func (n *GossipNode) EventCreated() <-chan *model.Event { return n.eventCreatedBC.subscribe(32) }

// EventReceived subscribes to events newly learned from peers.
func (n *GossipNode) EventReceived() <-chan ReceivedEvent { return n.eventReceivedBC.subscribe(32) }

// PeerAdded subscribes to peer-set additions.
func (n *GossipNode) PeerAdded() <-chan model.Peer { return n.peerAddedBC.subscribe(32) }

// PeerRemoved subscribes to peer-set removals.
func (n *GossipNode) PeerRemoved() <-chan model.Peer { return n.peerRemovedBC.subscribe(32) }

// GossipExchange subscribes to per-exchange results.
func (n *GossipNode) GossipExchange() <-chan ExchangeResult { return n.exchangeBC.subscribe(64) }

// AddPeer is a testing aid that manually establishes a NodeID<->address
// binding without going through a handshake. It rejects self-peering.
func (n *GossipNode) AddPeer(nodeID model.NodeID, address model.TransportAddress) error {
	if nodeID == n.cfg.NodeID {
		return gerrors.NewPeerError(string(nodeID), "refusing to add self as a peer")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindPeerLocked(model.TransportPeer{Address: address, ConnectedAt: time.Now(), IsActive: true}, nodeID)
	return nil
}

// RemovePeer drops nodeID from the peer set, clearing its contact time,
// reliability score, and both sides of the address<->nodeID mapping.
func (n *GossipNode) RemovePeer(nodeID model.NodeID) {
	n.mu.Lock()
	removed, ok := n.removePeerLocked(nodeID)
	n.mu.Unlock()
	if ok {
		n.peerRemovedBC.publish(removed)
	}
}

// bindPeerLocked must be called with n.mu held. It creates or refreshes the
// Peer and address bindings for nodeID, publishing peerAdded exactly once
// per newly created Peer. Self-peering is silently rejected: no Peer with
// nodeID == ownID is ever created, preserving the "no Peer exists whose
// nodeId equals the local node's nodeId" invariant even if called from a
// path that didn't already check.
func (n *GossipNode) bindPeerLocked(tp model.TransportPeer, nodeID model.NodeID) {
	if nodeID == n.cfg.NodeID || nodeID == "" {
		return
	}

	n.addrToNode[tp.Address] = nodeID
	if n.nodeToAddrs[nodeID] == nil {
		n.nodeToAddrs[nodeID] = make(map[model.TransportAddress]struct{})
	}
	n.nodeToAddrs[nodeID][tp.Address] = struct{}{}
	n.nodeToTransport[nodeID] = tp

	isNew := false
	p, exists := n.peers[nodeID]
	if !exists {
		p = &model.Peer{NodeID: nodeID}
		n.peers[nodeID] = p
		n.reliability[nodeID] = reliabilityInitial
		isNew = true
	}
	p.Address = tp.Address
	p.IsActive = true
	p.LastContactTime = time.Now()

	if isNew {
		added := *p
		go n.peerAddedBC.publish(added)
	}
}

// removePeerLocked must be called with n.mu held.
func (n *GossipNode) removePeerLocked(nodeID model.NodeID) (model.Peer, bool) {
	p, exists := n.peers[nodeID]
	if !exists {
		return model.Peer{}, false
	}
	removed := *p

	for addr := range n.nodeToAddrs[nodeID] {
		delete(n.addrToNode, addr)
	}
	delete(n.nodeToAddrs, nodeID)
	delete(n.nodeToTransport, nodeID)
	delete(n.peers, nodeID)
	delete(n.lastContactTimes, nodeID)
	delete(n.reliability, nodeID)

	return removed, true
}

func (n *GossipNode) updateContact(nodeID model.NodeID) {
	n.mu.Lock()
	n.lastContactTimes[nodeID] = time.Now()
	n.mu.Unlock()
}

func (n *GossipNode) bumpReliability(nodeID model.NodeID, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delta := reliabilityFailure
	if success {
		delta = reliabilitySuccess
	}
	n.reliability[nodeID] = clampReliability(n.reliability[nodeID] + delta)
}
