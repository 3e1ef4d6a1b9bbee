// Package control implements the ControlStream (spec §4.4): a single
// reliable ordered text channel, opened by the initiator over the
// "signaling" substream, carrying newline-delimited JSON messages for
// the auth handshake and post-admission chat. Framing choice (text,
// one JSON object per line) follows the spec's explicit "text-framed"
// wording, distinct from the binary type+length framing used on file
// substreams (internal/framing).
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dropsync/dropsync/pkg/transport"
)

// Kind identifies one of the six ControlStream message kinds (spec §4.4).
type Kind string

const (
	KindAuthSkip      Kind = "auth-skip"
	KindAuthChallenge Kind = "auth-challenge"
	KindAuthResponse  Kind = "auth-response"
	KindAuthOK        Kind = "auth-ok"
	KindAuthFail      Kind = "auth-fail"
	KindChat          Kind = "chat"
)

// Message is the JSON envelope for every ControlStream frame. Fields
// unused by a given Kind are omitted on the wire.
type Message struct {
	Kind      Kind   `json:"kind"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Stream wraps a transport.Substream with newline-delimited JSON
// encode/decode and a mutex that serializes writes, following the
// serialize-all-writes idiom used throughout this codebase's other
// carriers (pkg/signaling.WebSocketClient). Send writes synchronously
// on the caller's goroutine, and Run invokes the OnMessage callback on
// its own read goroutine.
type Stream struct {
	sub transport.Substream

	writeMu sync.Mutex
	scanner *bufio.Scanner

	onMessage func(Message)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream wraps an already-open substream. Call Run to start
// dispatching inbound messages.
func NewStream(sub transport.Substream) *Stream {
	scanner := bufio.NewScanner(sub)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Stream{
		sub:     sub,
		scanner: scanner,
		closed:  make(chan struct{}),
	}
}

// OnMessage registers the callback invoked for every decoded inbound
// message. Replaces any previously registered callback.
func (s *Stream) OnMessage(cb func(Message)) {
	s.onMessage = cb
}

// Run reads newline-delimited JSON messages until the substream closes
// or ctx is cancelled. Blocking; call in its own goroutine.
func (s *Stream) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // malformed line: not a protocol frame worth failing the stream over
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return fmt.Errorf("control: reading stream: %w", err)
	}
	return nil
}

// Send encodes msg as one JSON line and writes it to the substream.
func (s *Stream) Send(msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: encoding message: %w", err)
	}
	encoded = append(encoded, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.sub.Write(encoded); err != nil {
		return fmt.Errorf("control: writing message: %w", err)
	}
	return nil
}

// Close closes the underlying substream.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Close()
		close(s.closed)
	})
	return err
}
