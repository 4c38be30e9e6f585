package gossipnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/gossiped/internal/config"
	"github.com/ruvnet/gossiped/internal/model"
	memstore "github.com/ruvnet/gossiped/internal/store/memory"
	"github.com/ruvnet/gossiped/internal/transport"
	memtransport "github.com/ruvnet/gossiped/internal/transport/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestNode(t *testing.T, net *memtransport.Network, nodeID model.NodeID, addr model.TransportAddress, opts ...config.Option) *GossipNode {
	t.Helper()
	allOpts := append([]config.Option{
		config.WithNodeID(nodeID),
		config.WithGossipInterval(time.Hour), // timers disabled for tests; cycles are triggered manually
		config.WithGossipTimeout(2*time.Hour),
		config.WithAntiEntropy(false, time.Hour),
	}, opts...)
	cfg, err := config.New(allOpts...)
	require.NoError(t, err)

	tr := memtransport.New(net, addr, string(nodeID))
	es := memstore.NewEventStore()
	cs := memstore.NewClockStore()

	n, err := New(cfg, es, tr, cs, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Initialize(context.Background()))
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

func TestTwoNodeConvergence(t *testing.T) {
	net := memtransport.NewNetwork()
	a := newTestNode(t, net, "a", "addr-a")
	b := newTestNode(t, net, "b", "addr-b")
	require.NoError(t, a.AddPeer("b", "addr-b"))
	require.NoError(t, b.AddPeer("a", "addr-a"))

	ctx := context.Background()
	event, err := a.Create(ctx, map[string]any{"msg": "hello"})
	require.NoError(t, err)

	a.runGossipCycle()

	assert.Eventually(t, func() bool {
		return b.VectorClock()["a"] == event.LogicalTimestamp
	}, time.Second, 5*time.Millisecond, "b should learn a's event via gossip")
}

func TestRestartPreservesCausality(t *testing.T) {
	net := memtransport.NewNetwork()
	clockStore := memstore.NewClockStore()
	ctx := context.Background()

	cfg, err := config.New(config.WithNodeID("a"))
	require.NoError(t, err)

	es1 := memstore.NewEventStore()
	tr1 := memtransport.New(net, "addr-a", "a")
	n1, err := New(cfg, es1, tr1, clockStore, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n1.Initialize(ctx))

	_, err = n1.Create(ctx, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1.VectorClock()["a"])
	require.NoError(t, n1.Shutdown(ctx))

	es2 := memstore.NewEventStore()
	tr2 := memtransport.New(memtransport.NewNetwork(), "addr-a-2", "a")
	n2, err := New(cfg, es2, tr2, clockStore, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n2.Initialize(ctx))
	t.Cleanup(func() { _ = n2.Shutdown(ctx) })

	assert.Equal(t, uint64(1), n2.VectorClock()["a"], "restart must resume from the persisted clock, not from zero")
}

func TestIngestEventsIsIdempotent(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, "a", "addr-a")
	ctx := context.Background()

	event, err := model.NewEvent("remote", 1, map[string]any{"k": "v"})
	require.NoError(t, err)

	received := n.EventReceived()

	count, err := n.ingestEvents(ctx, []*model.Event{event}, "remote")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = n.ingestEvents(ctx, []*model.Event{event}, "remote")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "re-delivering an already-known event must be a no-op")

	select {
	case <-received:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected exactly one eventReceived notification")
	}
	select {
	case _, ok := <-received:
		if ok {
			t.Fatal("duplicate delivery must not publish a second eventReceived notification")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIncomingDigestSenderMismatchIsDropped(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, "a", "addr-a")

	respond := func(_ context.Context, _ *model.DigestResponse) error { return nil }
	from := model.TransportPeer{Address: "shared-addr"}

	n.handleIncomingDigest(context.Background(), transport.IncomingDigest{
		From:    from,
		Digest:  &model.Digest{SenderID: "peer1", VectorClock: map[string]uint64{}, CreatedAt: time.Now()},
		Respond: respond,
	})
	n.handleIncomingDigest(context.Background(), transport.IncomingDigest{
		From:    from,
		Digest:  &model.Digest{SenderID: "peer2", VectorClock: map[string]uint64{}, CreatedAt: time.Now()},
		Respond: respond,
	})

	ids := make(map[model.NodeID]bool)
	for _, p := range n.Peers() {
		ids[p.NodeID] = true
	}
	assert.True(t, ids["peer1"], "the first claimant of an address must be bound")
	assert.False(t, ids["peer2"], "a second, conflicting sender id on the same address must be dropped")
}

func TestCapBatchNeverSplitsAndNeverStalls(t *testing.T) {
	mk := func(n int) *model.Event {
		e, err := model.NewEvent("node", uint64(n), map[string]any{"payload": "some reasonably sized value to pad the encoding out a bit"})
		require.NoError(t, err)
		return e
	}
	events := []*model.Event{mk(1), mk(2), mk(3), mk(4)}

	capped := capBatch(events, 2, 0)
	assert.Len(t, capped, 2, "maxCount must be respected")

	oneEventSize, err := model.EncodedSize(events[0])
	require.NoError(t, err)

	capped = capBatch(events, 0, oneEventSize-1)
	assert.Len(t, capped, 1, "an undersized budget still admits exactly one event rather than stalling forever")

	capped = capBatch(events, 0, oneEventSize*2+1)
	assert.GreaterOrEqual(t, len(capped), 2)
	assert.Less(t, len(capped), len(events), "the byte budget must still cut the batch off before exhausting every candidate")
}

func TestGarbageCollectVectorClockRemovesStaleEntriesRegardlessOfPeerStatus(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, "a", "addr-a",
		config.WithVectorClockGC(true, time.Hour))

	n.mu.Lock()
	require.NoError(t, n.clock.Set("stale", 9))
	n.lastContactTimes["stale"] = time.Now().Add(-48 * time.Hour)
	require.NoError(t, n.clock.Set("never-contacted", 1))
	n.mu.Unlock()

	require.NoError(t, n.AddPeer("stale-peer", "addr-stale-peer"))
	n.mu.Lock()
	require.NoError(t, n.clock.Set("stale-peer", 3))
	n.lastContactTimes["stale-peer"] = time.Now().Add(-48 * time.Hour)
	n.mu.Unlock()

	require.NoError(t, n.AddPeer("recent-peer", "addr-recent-peer"))
	n.mu.Lock()
	require.NoError(t, n.clock.Set("recent-peer", 5))
	n.lastContactTimes["recent-peer"] = time.Now()
	n.mu.Unlock()

	removed, err := n.GarbageCollectVectorClock(context.Background())
	require.NoError(t, err)
	assert.Contains(t, removed, model.NodeID("stale"))
	assert.Contains(t, removed, model.NodeID("never-contacted"), "an entry with no recorded contact must be treated as stale")
	assert.Contains(t, removed, model.NodeID("stale-peer"), "GC has no peer-membership carve-out: a registered peer's entry is still removed once it is stale")
	assert.NotContains(t, removed, model.NodeID("recent-peer"))

	summary := n.VectorClock()
	_, staleStillPresent := summary["stale"]
	assert.False(t, staleStillPresent)
	_, stalePeerStillPresent := summary["stale-peer"]
	assert.False(t, stalePeerStillPresent)
	assert.Equal(t, uint64(5), summary["recent-peer"])

	peerIDs := make(map[model.NodeID]bool)
	for _, p := range n.Peers() {
		peerIDs[p.NodeID] = true
	}
	assert.True(t, peerIDs["stale-peer"], "GC only removes the clock entry, not the peer-set membership")
}

func TestDiscoveryCycleHandshakesWithUnboundPeers(t *testing.T) {
	net := memtransport.NewNetwork()
	a := newTestNode(t, net, "a", "addr-a")
	_ = newTestNode(t, net, "b", "addr-b")

	added := a.PeerAdded()

	a.runDiscoveryCycle()

	select {
	case p := <-added:
		assert.Equal(t, model.NodeID("b"), p.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a peerAdded notification for b after the discovery handshake")
	}

	peerIDs := make(map[model.NodeID]bool)
	for _, p := range a.Peers() {
		peerIDs[p.NodeID] = true
	}
	assert.True(t, peerIDs["b"], "discovery must bind the peer once a verified digest response reveals its node id")
}

func TestDiscoveryCyclePrunesPeersWhoseAddressesVanished(t *testing.T) {
	net := memtransport.NewNetwork()
	a := newTestNode(t, net, "a", "addr-a")
	b := newTestNode(t, net, "b", "addr-b")

	a.runDiscoveryCycle()
	peerIDs := make(map[model.NodeID]bool)
	for _, p := range a.Peers() {
		peerIDs[p.NodeID] = true
	}
	require.True(t, peerIDs["b"], "precondition: b must be bound before it can be pruned")

	removed := a.PeerRemoved()
	require.NoError(t, b.Shutdown(context.Background()))

	a.runDiscoveryCycle()

	select {
	case p := <-removed:
		assert.Equal(t, model.NodeID("b"), p.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a peerRemoved notification once b's address vanished from discovery")
	}

	for _, p := range a.Peers() {
		assert.NotEqual(t, model.NodeID("b"), p.NodeID, "a peer whose every address vanished from discovery must be pruned")
	}
}
