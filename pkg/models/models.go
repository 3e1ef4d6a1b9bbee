// Package models holds the shared data-model types from DropSync's
// specification: Session, Peer, ControlStream state, FileTransfer,
// PendingFile, and ChatMessage. These are plain structs owned
// exclusively by pkg/session's SessionEngine; other packages receive
// references to them and never keep their own copies of engine-owned
// state.
package models

import "time"

// ConnectionState is the lifecycle state of a Peer's transport.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// AuthState is the state of the AuthHandshake running on a ControlStream.
type AuthState string

const (
	AuthPendingOpen   AuthState = "pending-open"
	AuthPendingRemote AuthState = "pending-remote"
	AuthAdmitted      AuthState = "admitted"
	AuthRejected      AuthState = "rejected"
	AuthSkipped       AuthState = "skipped"
)

// TransferDirection distinguishes a locally-initiated send from an
// inbound receive.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// TransferStatus is the lifecycle state of a FileTransfer. Transitions
// are monotonic except error->retry, which reopens a fresh substream
// with the same id (spec §3).
type TransferStatus string

const (
	StatusSending       TransferStatus = "sending"
	StatusReceiving     TransferStatus = "receiving"
	StatusPendingAccept TransferStatus = "pending-accept"
	StatusCompleted     TransferStatus = "completed"
	StatusError         TransferStatus = "error"
	StatusCancelled     TransferStatus = "cancelled"
)

// ErrorKind enumerates the error taxonomy from spec §7, kept as its own
// type so callers can switch on it instead of comparing bare strings.
type ErrorKind string

const (
	ErrPasswordRequired            ErrorKind = "password-required"
	ErrPasswordMismatchPeerHasNone ErrorKind = "password-mismatch-peer-has-none"
	ErrPasswordMismatchPeerHasPass ErrorKind = "password-mismatch-peer-has-password"
	ErrWrongPassword               ErrorKind = "wrong-password"
	ErrDecryptionFailed            ErrorKind = "decryption-failed"
	ErrConnectionLost              ErrorKind = "connection-lost"
	ErrChannelOpenTimeout          ErrorKind = "channel-open-timeout"
	ErrBufferTimeout               ErrorKind = "buffer-timeout"
	ErrConnectionClosed            ErrorKind = "connection-closed"
	ErrCancelled                   ErrorKind = "cancelled"
	ErrDeclined                    ErrorKind = "declined"
	ErrNotConnected                ErrorKind = "not-connected"
)

// Session is the local endpoint's view of a single room membership.
type Session struct {
	RoomID      string
	LocalID     string
	IsInitiator bool
}

// Peer is the remote endpoint bound to the current TransportSession. It
// exists only while a transport is live (spec §3).
type Peer struct {
	RemoteID        string
	ConnectionState ConnectionState
	IP              string // sampled from the nominated candidate pair, if available
	LatencyMS       *float64
}

// FileTransfer tracks one file, in either direction, for the lifetime of
// the session. It is never destroyed once created — retained for
// history (spec §3) — even after completion, error, or cancellation.
type FileTransfer struct {
	ID           string
	Direction    TransferDirection
	Name         string
	SizeBytes    int64
	Progress     int // 0..100, non-decreasing within one send attempt; a retry restarts it at 0
	Status       TransferStatus
	ErrorKind    ErrorKind
	SourceHandle any // sender-only: retained across error->retry

	// Checksum is a debug-only end-to-end xxh3 digest computed by the
	// sender over the plaintext, supplementing (not replacing) AES-GCM's
	// own tamper detection. Empty when debug checksums are disabled.
	Checksum string
}

// PendingFile is a fully received payload awaiting the receiving user's
// accept/decline decision. It exists only while the owning
// FileTransfer's status is pending-accept.
type PendingFile struct {
	ID      string
	Name    string
	Size    int64
	Payload []byte
}

// ChatOrigin distinguishes messages sent locally from ones received
// from the peer.
type ChatOrigin string

const (
	OriginLocal  ChatOrigin = "local"
	OriginRemote ChatOrigin = "remote"
)

// ChatMessage is one entry in the append-only chat history.
type ChatMessage struct {
	ID        string
	Text      string
	Origin    ChatOrigin
	Timestamp time.Time
}
