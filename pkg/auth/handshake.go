// Package auth implements AuthHandshake (spec §4.5): the eight-rule
// state machine driven by ControlStream messages that decides whether
// a peer is admitted, rejected, or exempt from authentication because
// neither side configured a password. Grounded on the
// challenge/response shape of
// bureau-foundation-bureau/transport/peer_auth.go's runPeerAuth,
// generalized from mutual Ed25519 signatures to CryptoKit's one-way
// HMAC challenge (initiator challenges, responder proves password
// knowledge) and driven by event callbacks instead of synchronous
// channel reads, since ControlStream delivers messages asynchronously.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/dropsync/dropsync/pkg/control"
	"github.com/dropsync/dropsync/pkg/cryptokit"
	"github.com/dropsync/dropsync/pkg/models"
)

// challengeSize is the random nonce length in bytes (spec §4.4).
const challengeSize = 32

// IsAuthKind reports whether kind is one of the five auth message
// kinds, as opposed to chat. ControlStream callers use this to
// discard non-auth traffic arriving before admission (spec §4.4).
func IsAuthKind(kind control.Kind) bool {
	switch kind {
	case control.KindAuthSkip, control.KindAuthChallenge, control.KindAuthResponse, control.KindAuthOK, control.KindAuthFail:
		return true
	default:
		return false
	}
}

// Handshake runs the AuthHandshake state machine on one ControlStream.
type Handshake struct {
	stream    *control.Stream
	keys      *cryptokit.KeyDeriver
	password  cryptokit.PasswordSource
	initiator bool

	onStateChange func(models.AuthState, models.ErrorKind)

	mu            sync.Mutex
	state         models.AuthState
	challengeSent []byte
}

// NewHandshake constructs a Handshake bound to stream. initiator marks
// whether this endpoint opened the ControlStream (spec §4.4 assigns
// the challenger role to the initiator).
func NewHandshake(stream *control.Stream, keys *cryptokit.KeyDeriver, initiator bool, password cryptokit.PasswordSource) *Handshake {
	return &Handshake{
		stream:    stream,
		keys:      keys,
		password:  password,
		initiator: initiator,
		state:     models.AuthPendingOpen,
	}
}

// OnStateChange registers the callback fired on every state transition,
// carrying the terminal error kind for rejected transitions (empty
// otherwise).
func (h *Handshake) OnStateChange(cb func(models.AuthState, models.ErrorKind)) {
	h.onStateChange = cb
}

// State returns the current AuthState.
func (h *Handshake) State() models.AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Open runs the stream-open rules (spec §4.5 rule 4 and the auth-skip
// half of the "either, at stream-open" line): if no local password,
// announce auth-skip; if a local password and this endpoint is the
// initiator, issue the challenge. A responder holding a password sends
// nothing at open and waits for the peer's move.
func (h *Handshake) Open() error {
	password, hasPassword := h.password()

	if !hasPassword {
		if err := h.stream.Send(control.Message{Kind: control.KindAuthSkip}); err != nil {
			return fmt.Errorf("auth: sending auth-skip: %w", err)
		}
		h.setState(models.AuthPendingRemote, "")
		return nil
	}

	if h.initiator {
		nonce := make([]byte, challengeSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("auth: generating challenge: %w", err)
		}
		h.mu.Lock()
		h.challengeSent = nonce
		h.mu.Unlock()

		if err := h.stream.Send(control.Message{
			Kind:      control.KindAuthChallenge,
			Challenge: base64.StdEncoding.EncodeToString(nonce),
		}); err != nil {
			return fmt.Errorf("auth: sending auth-challenge: %w", err)
		}
	}

	_ = password // only its presence matters here; SignChallenge reads it fresh when needed
	h.setState(models.AuthPendingRemote, "")
	return nil
}

// HandleMessage evaluates rules 1-3 and 5-8 against an inbound
// ControlStream message. Non-auth kinds are ignored; callers should
// route those elsewhere once IsAuthKind reports false.
func (h *Handshake) HandleMessage(msg control.Message) error {
	if !IsAuthKind(msg.Kind) {
		return nil
	}

	password, hasPassword := h.password()

	switch msg.Kind {
	case control.KindAuthSkip:
		if !hasPassword {
			// Rule 1.
			h.setState(models.AuthSkipped, "")
			return nil
		}
		// Rule 5.
		return h.rejectAndTeardown(models.ErrPasswordMismatchPeerHasNone)

	case control.KindAuthChallenge:
		if !hasPassword {
			// Rule 2.
			return h.rejectAndTeardown(models.ErrPasswordRequired)
		}
		// Rule 6.
		nonce, err := base64.StdEncoding.DecodeString(msg.Challenge)
		if err != nil {
			return fmt.Errorf("auth: decoding challenge: %w", err)
		}
		mac := h.keys.SignChallenge(nonce, password)
		return h.stream.Send(control.Message{
			Kind:      control.KindAuthResponse,
			Challenge: msg.Challenge,
			Signature: base64.StdEncoding.EncodeToString(mac),
		})

	case control.KindAuthResponse:
		if !hasPassword {
			// Rule 3.
			return h.rejectAndTeardown(models.ErrPasswordMismatchPeerHasPass)
		}
		// Rule 7.
		return h.verifyResponse(msg, password)

	case control.KindAuthOK:
		h.setState(models.AuthAdmitted, "")
		return nil

	case control.KindAuthFail:
		// Rule 8.
		h.setState(models.AuthRejected, "")
		return nil
	}
	return nil
}

func (h *Handshake) verifyResponse(msg control.Message, password string) error {
	h.mu.Lock()
	sent := h.challengeSent
	h.mu.Unlock()

	echoed, err := base64.StdEncoding.DecodeString(msg.Challenge)
	if err != nil {
		return h.rejectAndTeardown(models.ErrWrongPassword)
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return h.rejectAndTeardown(models.ErrWrongPassword)
	}

	if len(sent) == 0 || !constantTimeEqual(echoed, sent) {
		return h.rejectAndTeardown(models.ErrWrongPassword)
	}
	if !h.keys.VerifyChallenge(echoed, signature, password) {
		return h.rejectAndTeardown(models.ErrWrongPassword)
	}

	if err := h.stream.Send(control.Message{Kind: control.KindAuthOK}); err != nil {
		return fmt.Errorf("auth: sending auth-ok: %w", err)
	}
	h.setState(models.AuthAdmitted, "")
	return nil
}

func (h *Handshake) rejectAndTeardown(kind models.ErrorKind) error {
	err := h.stream.Send(control.Message{Kind: control.KindAuthFail})
	h.setState(models.AuthRejected, kind)
	return err
}

func (h *Handshake) setState(state models.AuthState, kind models.ErrorKind) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	if h.onStateChange != nil {
		h.onStateChange(state, kind)
	}
}

// constantTimeEqual reports byte-slice equality. Slices of different
// lengths return false at once; equal-length slices are compared in
// full without short-circuiting, matching the discipline CryptoKit
// applies to signature comparison.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
