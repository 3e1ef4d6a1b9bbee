package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropsync/dropsync/pkg/signaling"
)

// signalingLabel is the well-known data channel label carrying the
// ControlStream (spec §4.3/§4.4).
const signalingLabel = "signaling"

// fileStreamLabelPrefix identifies inbound file substreams so they can
// be routed to FileReceiver instead of the ControlStream (spec §4.6:
// channels labelled "file-<id>").
const fileStreamLabelPrefix = "file-"

// dataChannelOpenTimeout bounds how long OpenFileStream waits for a file
// channel to reach the open state (spec §4.6). SignalingSubstream has no
// such bound; it waits on its context and on Session.Close.
const dataChannelOpenTimeout = 5 * time.Second

// statsInterval is how often Session samples PeerConnection.GetStats()
// for the nominated candidate pair's RTT and remote address.
const statsInterval = 2 * time.Second

// fileStreamBufferedAmountLowThreshold arms OnBufferedAmountLow at 64KiB
// queued, the backpressure trigger FileSender waits on (spec §4.6).
const fileStreamBufferedAmountLowThreshold = 64 << 10

// PeerStats is the periodic connectivity snapshot published to
// SessionEngine.Inspect (spec §4.3/§4.8).
type PeerStats struct {
	RoundTripTime time.Duration
	RemoteAddress string
	SampledAt     time.Time
}

// State mirrors the ICE-derived connection lifecycle spec §3 names.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Session owns one WebRTC PeerConnection to a single remote peer, plus
// the signaling exchange used to establish it. Grounded on
// bureau-foundation-bureau/transport/webrtc.go's peerState/PeerConnection
// lifecycle, narrowed to a single peer per Session (spec §4.3 describes
// exactly one remote endpoint per room).
type Session struct {
	pc     *webrtc.PeerConnection
	sig    signaling.Client
	remote string
	logger *slog.Logger

	initiator bool

	mu    sync.Mutex
	state State

	onState     func(State)
	onFileStream func(id string, sub Substream)

	signalingOnce sync.Once
	signalingCh   chan *dataChannelSubstream

	closed    chan struct{}
	closeOnce sync.Once

	statsMu   sync.RWMutex
	lastStats PeerStats
	onStats   func(PeerStats)

	substreamsMu sync.Mutex
	substreams   map[string]*dataChannelSubstream
}

// SubstreamInfo is one entry of the per-substream detail SessionEngine
// publishes through Inspect (spec §4.8).
type SubstreamInfo struct {
	Label          string
	ReadyState     webrtc.DataChannelState
	BufferedAmount uint64
	Threshold      uint64
}

// Substreams returns a snapshot of every substream currently tracked
// by this Session (the signaling channel plus any open file channels).
func (s *Session) Substreams() []SubstreamInfo {
	s.substreamsMu.Lock()
	defer s.substreamsMu.Unlock()
	infos := make([]SubstreamInfo, 0, len(s.substreams))
	for _, sub := range s.substreams {
		infos = append(infos, SubstreamInfo{
			Label:          sub.Label(),
			ReadyState:     sub.ReadyState(),
			BufferedAmount: sub.BufferedAmount(),
			Threshold:      sub.Threshold(),
		})
	}
	return infos
}

func (s *Session) trackSubstream(sub *dataChannelSubstream) {
	s.substreamsMu.Lock()
	if s.substreams == nil {
		s.substreams = make(map[string]*dataChannelSubstream)
	}
	s.substreams[sub.Label()] = sub
	s.substreamsMu.Unlock()
}

func (s *Session) untrackSubstream(label string) {
	s.substreamsMu.Lock()
	delete(s.substreams, label)
	s.substreamsMu.Unlock()
}

// NewSession creates the PeerConnection and wires signaling callbacks,
// but does not yet begin negotiation; call Offer or waits for an
// incoming offer via HandleSignal depending on role.
func NewSession(sig signaling.Client, remoteID string, initiator bool, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}

	s := &Session{
		pc:          pc,
		sig:         sig,
		remote:      remoteID,
		logger:      logger,
		initiator:   initiator,
		state:       StateNew,
		signalingCh: make(chan *dataChannelSubstream, 1),
		closed:      make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(s.handleICEStateChange)
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnDataChannel(s.handleInboundDataChannel)

	go s.sampleStatsLoop()

	return s, nil
}

// RemoteID returns the remote peer's signaling id.
func (s *Session) RemoteID() string { return s.remote }

// IsInitiator reports whether this Session was created in the
// offering role (spec §4.8 assigns exactly one initiator per session).
func (s *Session) IsInitiator() bool { return s.initiator }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers the callback invoked on every state transition.
func (s *Session) OnStateChange(f func(State)) {
	s.mu.Lock()
	s.onState = f
	s.mu.Unlock()
}

// OnFileStream registers the callback invoked when the remote peer
// opens an inbound file-<id> substream. FileReceiver binds to the
// resulting Substream.
func (s *Session) OnFileStream(f func(id string, sub Substream)) {
	s.mu.Lock()
	s.onFileStream = f
	s.mu.Unlock()
}

// OnStats registers the callback invoked with each 2s stats sample.
func (s *Session) OnStats(f func(PeerStats)) {
	s.statsMu.Lock()
	s.onStats = f
	s.statsMu.Unlock()
}

// LastStats returns the most recent stats sample.
func (s *Session) LastStats() PeerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastStats
}

// Offer begins outbound negotiation: creates the signaling data channel
// and SDP offer, sets it locally, and sends it to the peer. ICE
// candidates are trickled separately via handleLocalCandidate as they
// are discovered (spec §6.1 names a distinct "candidate" signal type).
func (s *Session) Offer(ctx context.Context) error {
	dc, err := s.pc.CreateDataChannel(signalingLabel, orderedDataChannelInit())
	if err != nil {
		return fmt.Errorf("transport: creating signaling channel: %w", err)
	}
	s.wireOutboundSignalingChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}

	s.setState(StateConnecting)

	return s.sig.SendSignal(ctx, s.remote, signaling.Payload{
		Type: signaling.SignalOffer,
		SDP:  offer.SDP,
	})
}

// HandleSignal dispatches an inbound signaling payload from the remote
// peer: an offer (responder path), an answer (initiator path
// completion), or a trickled ICE candidate.
func (s *Session) HandleSignal(ctx context.Context, payload signaling.Payload) error {
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		s.logger.Debug("transport: dropping signal on closed peer connection", "type", payload.Type)
		return nil
	}

	switch payload.Type {
	case signaling.SignalOffer:
		return s.handleOffer(ctx, payload.SDP)
	case signaling.SignalAnswer:
		return s.handleAnswer(payload.SDP)
	case signaling.SignalCandidate:
		return s.handleRemoteCandidate(payload.Candidate)
	default:
		return fmt.Errorf("transport: unrecognized signal type %q", payload.Type)
	}
}

func (s *Session) handleOffer(ctx context.Context, sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("transport: setting remote offer: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("transport: setting local answer: %w", err)
	}

	s.setState(StateConnecting)

	return s.sig.SendSignal(ctx, s.remote, signaling.Payload{
		Type: signaling.SignalAnswer,
		SDP:  answer.SDP,
	})
}

func (s *Session) handleAnswer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("transport: setting remote answer: %w", err)
	}
	return nil
}

func (s *Session) handleRemoteCandidate(c *signaling.ICECandidate) error {
	if c == nil {
		return nil
	}
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		return nil
	}
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != nil {
		init.SDPMid = c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		init.SDPMLineIndex = c.SDPMLineIndex
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("transport: adding remote candidate: %w", err)
	}
	return nil
}

// handleLocalCandidate trickles a locally discovered ICE candidate to
// the peer as it is found, per spec §6.1's explicit candidate message.
func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		return
	}
	init := c.ToJSON()
	go func() {
		err := s.sig.SendSignal(context.Background(), s.remote, signaling.Payload{
			Type: signaling.SignalCandidate,
			Candidate: &signaling.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
		if err != nil {
			s.logger.Warn("transport: trickling local candidate failed", "error", err)
		}
	}()
}

func (s *Session) handleICEStateChange(state webrtc.ICEConnectionState) {
	s.logger.Debug("transport: ICE state change", "peer", s.remote, "state", state.String())
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.setState(StateConnected)
	case webrtc.ICEConnectionStateDisconnected:
		s.setState(StateDisconnected)
	case webrtc.ICEConnectionStateFailed:
		s.setState(StateFailed)
	case webrtc.ICEConnectionStateClosed:
		s.setState(StateClosed)
	}
}

func (s *Session) handleInboundDataChannel(dc *webrtc.DataChannel) {
	if strings.HasPrefix(dc.Label(), fileStreamLabelPrefix) {
		id := strings.TrimPrefix(dc.Label(), fileStreamLabelPrefix)
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				s.logger.Error("transport: detaching inbound file channel failed", "error", err, "label", dc.Label())
				return
			}
			sub := newDataChannelSubstream(dc, raw, "local/"+dc.Label(), s.remote+"/"+dc.Label())
			sub.onClose = func() { s.untrackSubstream(sub.Label()) }
			s.trackSubstream(sub)
			s.mu.Lock()
			cb := s.onFileStream
			s.mu.Unlock()
			if cb != nil {
				cb(id, sub)
			}
		})
		return
	}
	if dc.Label() != signalingLabel {
		s.logger.Debug("transport: inbound data channel", "label", dc.Label())
		return
	}
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			s.logger.Error("transport: detaching signaling channel failed", "error", err)
			return
		}
		sub := newDataChannelSubstream(dc, raw, "local/"+signalingLabel, s.remote+"/"+signalingLabel)
		sub.onClose = func() { s.untrackSubstream(sub.Label()) }
		s.trackSubstream(sub)
		s.signalingOnce.Do(func() {
			s.signalingCh <- sub
		})
	})
}

func (s *Session) wireOutboundSignalingChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			s.logger.Error("transport: detaching signaling channel failed", "error", err)
			return
		}
		sub := newDataChannelSubstream(dc, raw, "local/"+signalingLabel, s.remote+"/"+signalingLabel)
		sub.onClose = func() { s.untrackSubstream(sub.Label()) }
		s.trackSubstream(sub)
		s.signalingOnce.Do(func() {
			s.signalingCh <- sub
		})
	})
}

// SignalingSubstream blocks until the ControlStream's substream is open,
// whichever side created it.
func (s *Session) SignalingSubstream(ctx context.Context) (Substream, error) {
	select {
	case sub := <-s.signalingCh:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, fmt.Errorf("transport: session closed")
	}
}

// OpenFileStream opens a new ordered/reliable data channel labelled
// file-<id> and waits up to 5s for it to reach the open state (spec §4.6).
func (s *Session) OpenFileStream(ctx context.Context, id string) (Substream, error) {
	label := "file-" + id
	dc, err := s.pc.CreateDataChannel(label, orderedDataChannelInit())
	if err != nil {
		return nil, fmt.Errorf("transport: creating file channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	timeoutCtx, cancel := context.WithTimeout(ctx, dataChannelOpenTimeout)
	defer cancel()

	select {
	case <-opened:
	case <-timeoutCtx.Done():
		dc.Close()
		return nil, fmt.Errorf("transport: file channel %s did not open within %s", label, dataChannelOpenTimeout)
	case <-s.closed:
		dc.Close()
		return nil, fmt.Errorf("transport: session closed")
	}

	dc.SetBufferedAmountLowThreshold(fileStreamBufferedAmountLowThreshold)

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("transport: detaching file channel %s: %w", label, err)
	}

	sub := newDataChannelSubstream(dc, raw, "local/"+label, s.remote+"/"+label)
	sub.threshold.Store(fileStreamBufferedAmountLowThreshold)
	sub.onClose = func() { s.untrackSubstream(sub.Label()) }
	s.trackSubstream(sub)
	return sub, nil
}

// Close tears down the PeerConnection and stops the stats sampler.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.setState(StateClosed)
	return s.pc.Close()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// sampleStatsLoop polls GetStats() every 2s for the nominated succeeded
// candidate pair's RTT and remote address, per spec §4.3.
func (s *Session) sampleStatsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.sampleStatsOnce()
		}
	}
}

func (s *Session) sampleStatsOnce() {
	report := s.pc.GetStats()

	var pair *webrtc.ICECandidatePairStats
	for _, stat := range report {
		if p, ok := stat.(webrtc.ICECandidatePairStats); ok {
			if p.Nominated && p.State == webrtc.StatsICECandidatePairStateSucceeded {
				pp := p
				pair = &pp
				break
			}
		}
	}
	if pair == nil {
		return
	}

	remoteAddr := ""
	if remote, ok := report[pair.RemoteCandidateID].(webrtc.ICECandidateStats); ok {
		remoteAddr = remote.IP
	}

	sample := PeerStats{
		RoundTripTime: time.Duration(pair.CurrentRoundTripTime * float64(time.Second)),
		RemoteAddress: remoteAddr,
		SampledAt:     time.Now(),
	}

	s.statsMu.Lock()
	s.lastStats = sample
	cb := s.onStats
	s.statsMu.Unlock()
	if cb != nil {
		cb(sample)
	}
}

func orderedDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}
