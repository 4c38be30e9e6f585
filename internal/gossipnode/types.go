package gossipnode

import (
	"time"

	"github.com/ruvnet/gossiped/internal/model"
)

// State is one of the GossipNode lifecycle states: New -> Initialized ->
// Gossiping -> Initialized -> Shutdown.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateGossiping
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateGossiping:
		return "gossiping"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ReceivedEvent is published on the eventReceived channel whenever the node
// learns of an event it did not already have.
type ReceivedEvent struct {
	Event      *model.Event
	FromPeer   model.NodeID
	ReceivedAt time.Time
}

// ExchangeResult is published on the gossipExchange channel after every
// attempted gossipWith exchange, successful or not, and after every discovery
// handshake that gets a usable response. A discovery handshake that fails
// publishes nothing.
type ExchangeResult struct {
	Peer            model.NodeID
	Success         bool
	EventsExchanged int
	Duration        time.Duration
	Err             error
}
