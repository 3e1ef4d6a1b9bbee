// Package signaling implements the thin façade over the rendezvous
// relay described in spec §4.2/§6.1: join/leave a room, send an opaque
// payload to a specific peer, and receive peer-joined/peer-left/signal
// events. The relay itself and its wire transport are external
// collaborators (spec §1); this package only defines the contract the
// rest of the engine depends on, plus two concrete carriers.
package signaling

import "context"

// SignalType identifies the kind of payload carried by a Signal
// message (spec §6.1).
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// ICECandidate mirrors the fields of a browser RTCIceCandidateInit,
// carried opaquely by the relay.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Payload is the opaque envelope relayed between two endpoints
// (spec §6.1). The relay inspects only enough of it to route by
// recipient; it never interprets Offer/Answer/Candidate.
type Payload struct {
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Client is the SignalingClient contract from spec §4.2. Implementations
// must guarantee at-least the ordering the underlying carrier provides;
// the engine does not depend on cross-peer ordering beyond delivery.
type Client interface {
	// LocalID returns this endpoint's remote-id as seen by peers.
	LocalID() string

	// Join joins a named room. Other current room members receive a
	// peer-joined event carrying this endpoint's LocalID.
	Join(ctx context.Context, room string) error

	// Leave leaves a room. Remaining members receive peer-left.
	Leave(ctx context.Context, room string) error

	// SendSignal relays payload to the peer identified by to. No
	// ordering guarantee is made beyond the carrier's.
	SendSignal(ctx context.Context, to string, payload Payload) error

	// OnSignal registers the callback invoked for every payload
	// addressed to this endpoint. Replaces any previously registered
	// callback.
	OnSignal(cb func(from string, payload Payload))

	// OnPeerJoined registers the callback invoked when another member
	// joins the current room.
	OnPeerJoined(cb func(remoteID string))

	// OnPeerLeft registers the callback invoked when a member leaves
	// the current room or disconnects.
	OnPeerLeft(cb func(remoteID string))

	// OnReconnect registers the callback invoked when the carrier
	// re-establishes its underlying transport after a disconnect. The
	// caller (SessionEngine) is responsible for re-joining the room;
	// this package never rejoins on the caller's behalf.
	OnReconnect(cb func())

	// Close tears down the carrier and releases its resources.
	Close() error
}
