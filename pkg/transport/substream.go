// Package transport wraps github.com/pion/webrtc/v4 into the peer
// transport spec §4.3 describes: a Session per remote peer, offering
// ordered/reliable data channels ("substreams") as net.Conn, plus
// stats sampling and connection-state notifications. Structure follows
// bureau-foundation-bureau/transport/webrtc.go's PeerConnection
// lifecycle and datachannel_conn.go's net.Conn wrapping.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Substream is a single ordered/reliable data channel exposed as a
// stream, plus the buffered-amount backpressure surface FileSender
// needs (spec §4.6) that a bare net.Conn doesn't expose.
type Substream interface {
	net.Conn

	// Label returns the data channel's label ("signaling", "file-<id>").
	Label() string

	// BufferedAmount returns the number of bytes currently queued for
	// send but not yet acknowledged by the SCTP layer.
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold arms the buffered-amount-low
	// notification at the given byte count.
	SetBufferedAmountLowThreshold(threshold uint64)

	// OnBufferedAmountLow registers the callback fired when queued
	// bytes drop at or below the configured threshold.
	OnBufferedAmountLow(f func())

	// ReadyState reports the underlying data channel's open/closed state.
	ReadyState() webrtc.DataChannelState
}

// Compile-time interface check.
var _ Substream = (*dataChannelSubstream)(nil)

// dataChannelSubstream wraps a detached pion data channel as a
// Substream, adapted from bureau's DataChannelConn: same timer-based
// deadline cancellation, extended with the buffered-amount passthrough
// FileSender's backpressure loop needs.
type dataChannelSubstream struct {
	dc  *webrtc.DataChannel
	rwc interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	localLabel  string
	remoteLabel string

	// threshold mirrors the value passed to SetBufferedAmountLowThreshold;
	// pion's DataChannel exposes no getter, so Session.Substreams reads
	// it back from here for the Inspect snapshot.
	threshold atomic.Uint64

	// onClose, if set, notifies the owning Session so it can drop this
	// substream from its Substreams() snapshot.
	onClose func()

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

func newDataChannelSubstream(dc *webrtc.DataChannel, rwc interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}, localLabel, remoteLabel string) *dataChannelSubstream {
	return &dataChannelSubstream{
		dc:          dc,
		rwc:         rwc,
		localLabel:  localLabel,
		remoteLabel: remoteLabel,
	}
}

func (s *dataChannelSubstream) Read(b []byte) (int, error)  { return s.rwc.Read(b) }
func (s *dataChannelSubstream) Write(b []byte) (int, error) { return s.rwc.Write(b) }

func (s *dataChannelSubstream) Close() error {
	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
	return s.rwc.Close()
}

func (s *dataChannelSubstream) Label() string { return s.dc.Label() }

func (s *dataChannelSubstream) BufferedAmount() uint64 { return s.dc.BufferedAmount() }

func (s *dataChannelSubstream) SetBufferedAmountLowThreshold(threshold uint64) {
	s.dc.SetBufferedAmountLowThreshold(threshold)
	s.threshold.Store(threshold)
}

// Threshold returns the last value passed to SetBufferedAmountLowThreshold.
func (s *dataChannelSubstream) Threshold() uint64 { return s.threshold.Load() }

func (s *dataChannelSubstream) OnBufferedAmountLow(f func()) {
	s.dc.OnBufferedAmountLow(f)
}

func (s *dataChannelSubstream) ReadyState() webrtc.DataChannelState {
	return s.dc.ReadyState()
}

func (s *dataChannelSubstream) LocalAddr() net.Addr  { return &substreamAddr{label: s.localLabel} }
func (s *dataChannelSubstream) RemoteAddr() net.Addr { return &substreamAddr{label: s.remoteLabel} }

func (s *dataChannelSubstream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadDeadlineLocked(t)
	s.setWriteDeadlineLocked(t)
	return nil
}

func (s *dataChannelSubstream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadDeadlineLocked(t)
	return nil
}

func (s *dataChannelSubstream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setWriteDeadlineLocked(t)
	return nil
}

func (s *dataChannelSubstream) setReadDeadlineLocked(deadline time.Time) {
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	if deadline.IsZero() || s.deadlineClosed {
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		s.closeFromDeadlineLocked()
		return
	}
	s.readTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeFromDeadlineLocked()
	})
}

func (s *dataChannelSubstream) setWriteDeadlineLocked(deadline time.Time) {
	if s.writeTimer != nil {
		s.writeTimer.Stop()
		s.writeTimer = nil
	}
	if deadline.IsZero() || s.deadlineClosed {
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		s.closeFromDeadlineLocked()
		return
	}
	s.writeTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeFromDeadlineLocked()
	})
}

func (s *dataChannelSubstream) closeFromDeadlineLocked() {
	if s.deadlineClosed {
		return
	}
	s.deadlineClosed = true
	s.rwc.Close()
}

func (s *dataChannelSubstream) stopTimersLocked() {
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	if s.writeTimer != nil {
		s.writeTimer.Stop()
		s.writeTimer = nil
	}
}

type substreamAddr struct{ label string }

func (a *substreamAddr) Network() string { return "webrtc-datachannel" }
func (a *substreamAddr) String() string  { return a.label }
