// Package memory provides an in-process Transport implementation: a shared
// registry of nodes wired directly to each other's channels. It is the
// reference transport used by the engine's own test suite and by
// integration tests that need deterministic, in-process peer exchange
// instead of real sockets.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/transport"
)

// Network is a shared registry of memory Transports, standing in for a
// physical network. All transports sharing a Network can reach each other by
// TransportAddress.
type Network struct {
	mu    sync.RWMutex
	nodes map[model.TransportAddress]*Transport
}

// NewNetwork returns an empty shared network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[model.TransportAddress]*Transport)}
}

func (n *Network) register(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.self.Address] = t
}

func (n *Network) unregister(addr model.TransportAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *Network) lookup(addr model.TransportAddress) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[addr]
	return t, ok
}

// Peers returns the TransportPeer view of every currently registered node.
func (n *Network) Peers() []model.TransportPeer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]model.TransportPeer, 0, len(n.nodes))
	for _, t := range n.nodes {
		out = append(out, t.self)
	}
	return out
}

// Transport is a Network participant.
type Transport struct {
	net  *Network
	self model.TransportPeer

	mu     sync.Mutex
	closed bool

	digests chan transport.IncomingDigest
	events  chan transport.IncomingEvents
}

// New returns a transport bound to address addr within net.
func New(net *Network, addr model.TransportAddress, displayName string) *Transport {
	return &Transport{
		net: net,
		self: model.TransportPeer{
			Address:     addr,
			DisplayName: displayName,
			ConnectedAt: time.Now(),
			IsActive:    true,
		},
		digests: make(chan transport.IncomingDigest, 64),
		events:  make(chan transport.IncomingEvents, 64),
	}
}

func (t *Transport) Initialize(_ context.Context) error {
	t.net.register(t)
	return nil
}

func (t *Transport) Shutdown(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.net.unregister(t.self.Address)
	close(t.digests)
	close(t.events)
	return nil
}

func (t *Transport) SendDigest(ctx context.Context, peer model.TransportPeer, digest *model.Digest, timeout time.Duration) (*model.DigestResponse, error) {
	target, ok := t.net.lookup(peer.Address)
	if !ok {
		return nil, gerrors.NewTransportError(fmt.Errorf("peer %s unreachable", peer.Address))
	}

	respCh := make(chan *model.DigestResponse, 1)
	respond := func(_ context.Context, resp *model.DigestResponse) error {
		respCh <- resp
		return nil
	}

	select {
	case target.digests <- transport.IncomingDigest{From: t.self, Digest: digest, Respond: respond}:
	default:
		return nil, gerrors.NewTransportError(fmt.Errorf("peer %s digest queue full", peer.Address))
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-tctx.Done():
		return nil, gerrors.NewTransportError(fmt.Errorf("digest exchange with %s timed out", peer.Address))
	}
}

func (t *Transport) SendEvents(ctx context.Context, peer model.TransportPeer, msg *model.EventMessage, timeout time.Duration) error {
	target, ok := t.net.lookup(peer.Address)
	if !ok {
		return gerrors.NewTransportError(fmt.Errorf("peer %s unreachable", peer.Address))
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case target.events <- transport.IncomingEvents{From: t.self, Message: msg}:
		return nil
	case <-tctx.Done():
		return gerrors.NewTransportError(fmt.Errorf("event send to %s timed out", peer.Address))
	}
}

func (t *Transport) IncomingDigests() <-chan transport.IncomingDigest {
	return t.digests
}

func (t *Transport) IncomingEvents() <-chan transport.IncomingEvents {
	return t.events
}

func (t *Transport) DiscoverPeers(_ context.Context) ([]model.TransportPeer, error) {
	out := t.net.Peers()
	filtered := out[:0:0]
	for _, p := range out {
		if p.Address != t.self.Address {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (t *Transport) IsPeerReachable(_ context.Context, peer model.TransportPeer) bool {
	_, ok := t.net.lookup(peer.Address)
	return ok
}

var _ transport.Transport = (*Transport)(nil)
