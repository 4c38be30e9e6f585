// Package transport declares the network contract the gossip engine depends
// on. The engine never touches sockets directly; concrete implementations
// (memory, wstransport, tcptransport) live in subpackages.
package transport

import (
	"context"
	"time"

	"github.com/ruvnet/gossiped/internal/model"
)

// RespondFunc is supplied alongside each incoming digest; calling it sends
// the DigestResponse back over the same connection the digest arrived on.
type RespondFunc func(ctx context.Context, resp *model.DigestResponse) error

// IncomingDigest pairs a received Digest with the transport peer it arrived
// from and the callback used to answer it.
type IncomingDigest struct {
	From    model.TransportPeer
	Digest  *model.Digest
	Respond RespondFunc
}

// IncomingEvents pairs a received EventMessage with the transport peer it
// arrived from.
type IncomingEvents struct {
	From    model.TransportPeer
	Message *model.EventMessage
}

// Transport is the contract the engine consumes for all network I/O. It
// never fabricates or validates NodeIDs: it only ever reports
// TransportAddresses. All NodeID trust is established by the engine, by
// cross-checking a message's SenderID against the address it arrived on.
type Transport interface {
	// Initialize brings the transport up (binds listeners, connects to a
	// discovery backend, etc).
	Initialize(ctx context.Context) error

	// Shutdown tears the transport down and closes Incoming{Digests,Events}.
	Shutdown(ctx context.Context) error

	// SendDigest performs the request/response first phase of an exchange.
	SendDigest(ctx context.Context, peer model.TransportPeer, digest *model.Digest, timeout time.Duration) (*model.DigestResponse, error)

	// SendEvents performs the fire-and-acknowledge third phase.
	SendEvents(ctx context.Context, peer model.TransportPeer, msg *model.EventMessage, timeout time.Duration) error

	// IncomingDigests is a channel of digests other nodes have sent us.
	// Shutdown closes it, and it is not reopened afterwards.
	IncomingDigests() <-chan IncomingDigest

	// IncomingEvents is a channel of event batches other nodes have sent us.
	IncomingEvents() <-chan IncomingEvents

	// DiscoverPeers returns a best-effort enumeration of currently reachable
	// transport peers.
	DiscoverPeers(ctx context.Context) ([]model.TransportPeer, error)

	// IsPeerReachable reports whether peer currently appears reachable.
	IsPeerReachable(ctx context.Context, peer model.TransportPeer) bool
}
