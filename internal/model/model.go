// Package model defines the gossip engine's wire-level data model: events,
// peers, and the three-phase exchange messages. Every type here is immutable
// once constructed and round-trips through JSON.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/gossiped/internal/gerrors"
)

// NodeID is the stable logical identity of a node, opaque to the transport.
type NodeID string

// TransportAddress is a transport-layer locator, opaque to the engine beyond
// use as a map key. It may change across sessions for the same NodeID.
type TransportAddress string

// Event is an immutable, originator-stamped unit of application data.
type Event struct {
	ID               string         `json:"id"`
	NodeID           NodeID         `json:"nodeId"`
	LogicalTimestamp uint64         `json:"logicalTimestamp"`
	CreationTimestamp int64         `json:"creationTimestamp"`
	Payload          map[string]any `json:"payload"`
}

// NewEvent stamps a new event for originator node at logical timestamp ts.
// The payload is defensively copied so later mutation by the caller cannot
// reach the stored event.
func NewEvent(node NodeID, ts uint64, payload map[string]any) (*Event, error) {
	if len(payload) == 0 {
		return nil, gerrors.NewInvalidEvent("payload must not be empty")
	}
	return &Event{
		ID:                uuid.NewString(),
		NodeID:            node,
		LogicalTimestamp:  ts,
		CreationTimestamp: time.Now().UnixMilli(),
		Payload:           copyPayload(payload),
	}, nil
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HashKey returns a comparable tuple identifying the event's body, usable as
// a map key for equality checks beyond plain ID comparison.
func (e *Event) HashKey() [4]any {
	return [4]any{e.ID, e.NodeID, e.LogicalTimestamp, e.CreationTimestamp}
}

// TransportPeer is a transport-level connection descriptor, identified by
// Address. It knows nothing about NodeID.
type TransportPeer struct {
	Address     TransportAddress `json:"address"`
	DisplayName string           `json:"displayName"`
	ConnectedAt time.Time        `json:"connectedAt"`
	IsActive    bool             `json:"isActive"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Peer is the gossip-level view of a remote node, identified by NodeID.
type Peer struct {
	NodeID          NodeID           `json:"nodeId"`
	Address         TransportAddress `json:"address"`
	LastContactTime time.Time        `json:"lastContactTime"`
	IsActive        bool             `json:"isActive"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Digest is a vector-clock snapshot exchanged in phase one of an exchange.
type Digest struct {
	SenderID         NodeID            `json:"senderId"`
	VectorClock      map[string]uint64 `json:"vectorClockSummary"`
	CreatedAt        time.Time         `json:"createdAt"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// DigestResponse is the second phase of the exchange: what the responder is
// sending back, and what it still needs from the requester.
type DigestResponse struct {
	SenderID      NodeID           `json:"senderId"`
	Events        []*Event         `json:"events"`
	EventRequests map[NodeID]uint64 `json:"eventRequests"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// EventMessage is the third phase: an event batch sent in response to
// EventRequests, or pushed unsolicited.
type EventMessage struct {
	SenderID  NodeID    `json:"senderId"`
	Events    []*Event  `json:"events"`
	CreatedAt time.Time `json:"createdAt"`
}

// EncodedSize estimates the wire size of an event for message-size capping.
// It uses the actual JSON encoding rather than a hand-rolled estimate, so
// the byte cap it feeds stays honest as the event shape evolves.
func EncodedSize(e *Event) (int, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, gerrors.NewSerializationError(err)
	}
	return len(b), nil
}
