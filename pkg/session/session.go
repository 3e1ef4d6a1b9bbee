// Package session implements SessionEngine (spec §4.8): the top-level
// coordinator that owns the TransportSession, the SignalingClient
// wiring, and the transfer/pending/chat collections. Structurally this
// mirrors the state juggling the teacher's cmd/wormhole/main.go did
// inline, extracted into a reusable package.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dropsync/dropsync/internal/idgen"
	"github.com/dropsync/dropsync/pkg/auth"
	"github.com/dropsync/dropsync/pkg/control"
	"github.com/dropsync/dropsync/pkg/cryptokit"
	"github.com/dropsync/dropsync/pkg/filexfer"
	"github.com/dropsync/dropsync/pkg/models"
	"github.com/dropsync/dropsync/pkg/signaling"
	"github.com/dropsync/dropsync/pkg/transport"
)

// SubstreamSnapshot is one entry of Inspect's per-substream detail
// (spec §4.8: "{label, readyState, bufferedAmount, threshold}").
type SubstreamSnapshot struct {
	Label          string
	ReadyState     string
	BufferedAmount uint64
	Threshold      uint64
}

// Snapshot is the structured state Inspect returns.
type Snapshot struct {
	RoomID          string
	LocalID         string
	IsInitiator     bool
	TransportState  transport.State
	Peer            *models.Peer
	AuthState       models.AuthState
	AuthErrorKind   models.ErrorKind
	Transfers       []models.FileTransfer
	Pending         []models.PendingFile
	Chat            []models.ChatMessage
	Substreams      []SubstreamSnapshot
}

// Engine coordinates a single room membership end to end: signaling,
// transport negotiation, auth, file transfer, and chat.
type Engine struct {
	sig    signaling.Client
	logger *slog.Logger

	mu          sync.Mutex
	roomID      string
	isInitiator bool
	keys        *cryptokit.KeyDeriver
	sess        *transport.Session
	peer        *models.Peer
	control     *control.Stream
	handshake   *auth.Handshake
	authErrKind models.ErrorKind

	password atomic.Pointer[string]

	transferMu   sync.Mutex
	transfers    map[string]*models.FileTransfer
	pending      map[string]*models.PendingFile
	cancelFlags  map[string]*atomic.Bool
	sourceHandle map[string]io.Reader

	chatMu sync.Mutex
	chat   []models.ChatMessage

	onEvent func()
}

// NewEngine constructs an Engine bound to sig, which must already be
// connected but not yet joined to any room.
func NewEngine(sig signaling.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		sig:          sig,
		logger:       logger,
		transfers:    make(map[string]*models.FileTransfer),
		pending:      make(map[string]*models.PendingFile),
		cancelFlags:  make(map[string]*atomic.Bool),
		sourceHandle: make(map[string]io.Reader),
	}
	sig.OnPeerJoined(e.handlePeerJoined)
	sig.OnPeerLeft(e.handlePeerLeft)
	sig.OnSignal(e.handleSignal)
	sig.OnReconnect(e.handleReconnect)
	return e
}

// OnEvent registers a callback fired after any state change worth a UI
// refresh (peer state, auth state, transfer/chat updates). Coarse by
// design: callers re-run Inspect to see what changed.
func (e *Engine) OnEvent(cb func()) {
	e.mu.Lock()
	e.onEvent = cb
	e.mu.Unlock()
}

func (e *Engine) fireEvent() {
	e.mu.Lock()
	cb := e.onEvent
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetPassword updates the shared secret used for both crypto and auth.
// Safe to call at any time; long-running handshakes and transfers
// observe the new value on their next lookup (spec §3).
func (e *Engine) SetPassword(password string) {
	e.password.Store(&password)
}

// ClearPassword removes the configured password.
func (e *Engine) ClearPassword() {
	e.password.Store(nil)
}

func (e *Engine) passwordSource() (string, bool) {
	p := e.password.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Join joins roomID via the signaling carrier. Role assignment happens
// reactively: whichever endpoint observes peer-joined first becomes
// the initiator (spec §4.8).
func (e *Engine) Join(ctx context.Context, roomID string) error {
	e.mu.Lock()
	e.roomID = roomID
	e.keys = cryptokit.NewRoomScopedKeyDeriver(roomID)
	e.mu.Unlock()
	return e.sig.Join(ctx, roomID)
}

// Leave tears down the transport and leaves the room (spec §4.8
// "user-requests-leave").
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	room := e.roomID
	sess := e.sess
	e.sess = nil
	e.peer = nil
	e.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if room == "" {
		return nil
	}
	return e.sig.Leave(ctx, room)
}

func (e *Engine) handlePeerJoined(remoteID string) {
	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		e.logger.Debug("session: ignoring peer-joined, transport already established", "remote", remoteID)
		return
	}
	sess, err := transport.NewSession(e.sig, remoteID, true, e.logger)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("session: creating initiator transport failed", "error", err)
		return
	}
	e.isInitiator = true
	e.sess = sess
	e.mu.Unlock()

	e.wireTransport(sess)
	if err := sess.Offer(context.Background()); err != nil {
		e.logger.Error("session: sending offer failed", "error", err)
	}
	e.fireEvent()
}

func (e *Engine) handlePeerLeft(remoteID string) {
	e.mu.Lock()
	if e.sess == nil || e.sess.RemoteID() != remoteID {
		e.mu.Unlock()
		return
	}
	sess := e.sess
	e.sess = nil
	e.peer = nil
	e.mu.Unlock()

	sess.Close()
	e.fireEvent()
}

// handleAuthRejected tears down the transport and peer state after a
// failed handshake, mirroring handlePeerLeft's cleanup: a rejected
// endpoint's TransportSession is no longer trustworthy, so
// handlePeerJoined/handleSignal must be free to re-arm a fresh one on
// retry rather than seeing e.sess still set. e.handshake is left in
// place so Inspect keeps reporting the terminal rejected state (a
// retry screen needs to know why the last attempt failed); the next
// successful negotiation replaces it with a fresh Handshake anyway.
func (e *Engine) handleAuthRejected(sess *transport.Session) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	e.peer = nil
	e.control = nil
	e.mu.Unlock()

	// Closing at once can drop the auth-fail frame still queued on the
	// control stream; give the peer a second to receive it first.
	go func() {
		time.Sleep(time.Second)
		sess.Close()
	}()
}

func (e *Engine) handleSignal(from string, payload signaling.Payload) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	if sess == nil {
		if payload.Type != signaling.SignalOffer {
			return
		}
		newSess, err := transport.NewSession(e.sig, from, false, e.logger)
		if err != nil {
			e.logger.Error("session: creating responder transport failed", "error", err)
			return
		}
		e.mu.Lock()
		e.isInitiator = false
		e.sess = newSess
		e.mu.Unlock()

		e.wireTransport(newSess)
		sess = newSess
	}

	if sess.RemoteID() != from {
		e.logger.Debug("session: dropping signal from unexpected peer", "from", from)
		return
	}
	if err := sess.HandleSignal(context.Background(), payload); err != nil {
		e.logger.Warn("session: handling signal failed", "error", err)
	}
}

// handleReconnect implements the signaling reconnection policy: the
// existing transport is torn down and peer state cleared, since the
// original signaling round trip that established it can no longer be
// trusted to still describe a live peer (spec §4.3).
func (e *Engine) handleReconnect() {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.peer = nil
	room := e.roomID
	e.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if room != "" {
		if err := e.sig.Join(context.Background(), room); err != nil {
			e.logger.Warn("session: rejoining room after reconnect failed", "error", err)
		}
	}
	e.fireEvent()
}

func (e *Engine) wireTransport(sess *transport.Session) {
	e.mu.Lock()
	e.peer = &models.Peer{RemoteID: sess.RemoteID(), ConnectionState: models.ConnectionNew}
	e.mu.Unlock()

	sess.OnStateChange(func(state transport.State) { e.handleTransportState(sess, state) })
	sess.OnStats(func(stats transport.PeerStats) { e.handleStats(stats) })
	sess.OnFileStream(func(id string, sub transport.Substream) { e.handleInboundFileStream(id, sub) })

	go e.runControlStream(sess)
}

func (e *Engine) handleTransportState(sess *transport.Session, state transport.State) {
	e.mu.Lock()
	if e.peer != nil && e.sess == sess {
		e.peer.ConnectionState = models.ConnectionState(state)
	}
	e.mu.Unlock()
	e.fireEvent()
}

func (e *Engine) handleStats(stats transport.PeerStats) {
	e.mu.Lock()
	if e.peer != nil {
		ms := float64(stats.RoundTripTime) / float64(time.Millisecond)
		e.peer.LatencyMS = &ms
		if stats.RemoteAddress != "" {
			e.peer.IP = stats.RemoteAddress
		}
	}
	e.mu.Unlock()
	e.fireEvent()
}

func (e *Engine) runControlStream(sess *transport.Session) {
	ctx := context.Background()
	sub, err := sess.SignalingSubstream(ctx)
	if err != nil {
		e.logger.Warn("session: signaling substream never opened", "error", err)
		return
	}

	stream := control.NewStream(sub)
	e.mu.Lock()
	e.control = stream
	handshake := auth.NewHandshake(stream, e.keys, e.isInitiator, e.passwordSource)
	e.handshake = handshake
	e.mu.Unlock()

	handshake.OnStateChange(func(state models.AuthState, kind models.ErrorKind) {
		e.logger.Info("session: auth state change", "state", state, "kind", kind)
		e.mu.Lock()
		e.authErrKind = kind
		e.mu.Unlock()
		if state == models.AuthRejected {
			e.handleAuthRejected(sess)
		}
		e.fireEvent()
	})

	stream.OnMessage(func(msg control.Message) {
		if auth.IsAuthKind(msg.Kind) {
			if err := handshake.HandleMessage(msg); err != nil {
				e.logger.Warn("session: auth handshake error", "error", err)
			}
			return
		}
		if msg.Kind == control.KindChat {
			if handshake.State() != models.AuthAdmitted && handshake.State() != models.AuthSkipped {
				return // spec §4.4: non-auth traffic on an un-admitted stream is discarded
			}
			e.recordChatMessage(models.OriginRemote, msg.ID, msg.Text, time.UnixMilli(msg.Timestamp))
		}
	})

	if err := handshake.Open(); err != nil {
		e.logger.Warn("session: opening auth handshake failed", "error", err)
	}

	if err := stream.Run(ctx); err != nil {
		e.logger.Debug("session: control stream ended", "error", err)
	}
}

func (e *Engine) handleInboundFileStream(id string, sub transport.Substream) {
	e.transferMu.Lock()
	transfer := &models.FileTransfer{ID: id, Direction: models.DirectionReceive, Status: models.StatusReceiving}
	e.transfers[id] = transfer
	cancel := &atomic.Bool{}
	e.cancelFlags[id] = cancel
	e.transferMu.Unlock()
	e.fireEvent()

	receiver := filexfer.NewReceiver(e.keys, e.passwordSource)
	result, kind, err := receiver.Receive(sub, cancel, id, func(name string, size int64) {
		e.transferMu.Lock()
		transfer.Name = name
		transfer.SizeBytes = size
		e.transferMu.Unlock()
		e.fireEvent()
	}, func(percent int) {
		e.transferMu.Lock()
		if percent > transfer.Progress {
			transfer.Progress = percent
		}
		e.transferMu.Unlock()
		e.fireEvent()
	})
	sub.Close()

	e.transferMu.Lock()
	defer e.transferMu.Unlock()
	switch {
	case err != nil:
		transfer.Status = models.StatusError
		transfer.ErrorKind = kind
	case result.Cancelled:
		transfer.Status = models.StatusCancelled
		transfer.ErrorKind = models.ErrCancelled
	default:
		transfer.Status = models.StatusPendingAccept
		e.pending[id] = result.Pending
	}
	e.fireEvent()
}

// SendFile opens a new file substream and streams source to the peer
// (spec §4.6). name/size describe the file; source is read to
// completion or until cancellation.
func (e *Engine) SendFile(ctx context.Context, name string, size int64, source io.Reader) (string, error) {
	e.mu.Lock()
	sess := e.sess
	keys := e.keys
	e.mu.Unlock()
	if sess == nil {
		id := idgen.NewTransferID()
		e.transferMu.Lock()
		e.transfers[id] = &models.FileTransfer{
			ID:           id,
			Direction:    models.DirectionSend,
			Name:         name,
			SizeBytes:    size,
			Status:       models.StatusError,
			ErrorKind:    models.ErrNotConnected,
			SourceHandle: source,
		}
		e.sourceHandle[id] = source
		e.transferMu.Unlock()
		e.fireEvent()
		return id, fmt.Errorf("session: no active transport")
	}

	id := idgen.NewTransferID()
	cancel := &atomic.Bool{}
	transfer := &models.FileTransfer{
		ID:           id,
		Direction:    models.DirectionSend,
		Name:         name,
		SizeBytes:    size,
		Status:       models.StatusSending,
		SourceHandle: source,
	}

	e.transferMu.Lock()
	e.transfers[id] = transfer
	e.cancelFlags[id] = cancel
	e.sourceHandle[id] = source
	e.transferMu.Unlock()
	e.fireEvent()

	sender := filexfer.NewSender(keys, e.passwordSource)
	sender.Debug = true
	go func() {
		checksum, kind, err := sender.Send(ctx, sess, id, name, size, source, cancel, func(percent int) {
			e.transferMu.Lock()
			if percent > transfer.Progress {
				transfer.Progress = percent
			}
			e.transferMu.Unlock()
			e.fireEvent()
		})

		e.transferMu.Lock()
		if err != nil {
			transfer.Status = models.StatusError
			if kind == models.ErrCancelled {
				transfer.Status = models.StatusCancelled
			}
			transfer.ErrorKind = kind
		} else {
			transfer.Status = models.StatusCompleted
			transfer.Checksum = checksum
		}
		e.transferMu.Unlock()
		e.fireEvent()
	}()

	return id, nil
}

// CancelTransfer flips the cancellation flag for an in-flight transfer.
func (e *Engine) CancelTransfer(id string) {
	e.transferMu.Lock()
	flag := e.cancelFlags[id]
	e.transferMu.Unlock()
	if flag != nil {
		flag.Store(true)
	}
}

// RetrySend reopens a fresh substream with the same transfer id after
// an error, reusing the retained source handle (spec §4.6: "the
// source-handle is retained so retry can reopen a fresh substream with
// the same id").
func (e *Engine) RetrySend(ctx context.Context, id string) error {
	e.transferMu.Lock()
	transfer, ok := e.transfers[id]
	source, hasSource := e.sourceHandle[id]
	e.transferMu.Unlock()
	if !ok || !hasSource || transfer.Status != models.StatusError {
		return fmt.Errorf("session: transfer %s is not retryable", id)
	}

	e.mu.Lock()
	sess := e.sess
	keys := e.keys
	e.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("session: no active transport")
	}

	cancel := &atomic.Bool{}
	e.transferMu.Lock()
	transfer.Status = models.StatusSending
	transfer.Progress = 0
	transfer.ErrorKind = ""
	e.cancelFlags[id] = cancel
	e.transferMu.Unlock()
	e.fireEvent()

	sender := filexfer.NewSender(keys, e.passwordSource)
	sender.Debug = true
	go func() {
		checksum, kind, err := sender.Send(ctx, sess, id, transfer.Name, transfer.SizeBytes, source, cancel, func(percent int) {
			e.transferMu.Lock()
			if percent > transfer.Progress {
				transfer.Progress = percent
			}
			e.transferMu.Unlock()
			e.fireEvent()
		})

		e.transferMu.Lock()
		if err != nil {
			transfer.Status = models.StatusError
			if kind == models.ErrCancelled {
				transfer.Status = models.StatusCancelled
			}
			transfer.ErrorKind = kind
		} else {
			transfer.Status = models.StatusCompleted
			transfer.Checksum = checksum
		}
		e.transferMu.Unlock()
		e.fireEvent()
	}()

	return nil
}

// AcceptFile hands a pending inbound file to sink and marks it
// completed (spec §4.7).
func (e *Engine) AcceptFile(id string, sink func(name string, payload []byte) error) error {
	e.transferMu.Lock()
	pending, ok := e.pending[id]
	transfer := e.transfers[id]
	e.transferMu.Unlock()
	if !ok {
		return fmt.Errorf("session: no pending file %s", id)
	}

	if err := sink(pending.Name, pending.Payload); err != nil {
		return fmt.Errorf("session: writing accepted file: %w", err)
	}

	e.transferMu.Lock()
	delete(e.pending, id)
	if transfer != nil {
		transfer.Status = models.StatusCompleted
	}
	e.transferMu.Unlock()
	e.fireEvent()
	return nil
}

// DeclineFile discards a pending inbound file (spec §4.7).
func (e *Engine) DeclineFile(id string) {
	e.transferMu.Lock()
	delete(e.pending, id)
	if transfer, ok := e.transfers[id]; ok {
		transfer.Status = models.StatusCancelled
		transfer.ErrorKind = models.ErrDeclined
	}
	e.transferMu.Unlock()
	e.fireEvent()
}

// SendChat appends a local chat message and relays it to the peer over
// the ControlStream (spec §4.4).
func (e *Engine) SendChat(text string) error {
	e.mu.Lock()
	stream := e.control
	handshake := e.handshake
	e.mu.Unlock()
	if stream == nil || handshake == nil {
		return fmt.Errorf("session: control stream not established")
	}
	if handshake.State() != models.AuthAdmitted && handshake.State() != models.AuthSkipped {
		return fmt.Errorf("session: cannot chat before admission")
	}

	id := idgen.NewMessageID()
	now := time.Now()
	if err := stream.Send(control.Message{
		Kind:      control.KindChat,
		ID:        id,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("session: sending chat message: %w", err)
	}

	e.recordChatMessage(models.OriginLocal, id, text, now)
	return nil
}

func (e *Engine) recordChatMessage(origin models.ChatOrigin, id, text string, ts time.Time) {
	if id == "" {
		id = uuid.NewString()
	}
	e.chatMu.Lock()
	e.chat = append(e.chat, models.ChatMessage{ID: id, Text: text, Origin: origin, Timestamp: ts})
	e.chatMu.Unlock()
	e.fireEvent()
}

// Inspect returns a structured snapshot of the engine's current state
// (spec §4.8).
func (e *Engine) Inspect() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		RoomID:      e.roomID,
		LocalID:     e.sig.LocalID(),
		IsInitiator: e.isInitiator,
	}
	if e.sess != nil {
		snap.TransportState = e.sess.State()
		for _, info := range e.sess.Substreams() {
			snap.Substreams = append(snap.Substreams, SubstreamSnapshot{
				Label:          info.Label,
				ReadyState:     info.ReadyState.String(),
				BufferedAmount: info.BufferedAmount,
				Threshold:      info.Threshold,
			})
		}
	}
	if e.peer != nil {
		peer := *e.peer
		snap.Peer = &peer
	}
	if e.handshake != nil {
		snap.AuthState = e.handshake.State()
		snap.AuthErrorKind = e.authErrKind
	}
	e.mu.Unlock()

	e.transferMu.Lock()
	for _, t := range e.transfers {
		snap.Transfers = append(snap.Transfers, *t)
	}
	for _, p := range e.pending {
		snap.Pending = append(snap.Pending, *p)
	}
	e.transferMu.Unlock()

	e.chatMu.Lock()
	snap.Chat = append(snap.Chat, e.chat...)
	e.chatMu.Unlock()

	return snap
}
