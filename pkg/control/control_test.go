package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// fakeSubstream adapts a net.Conn from net.Pipe into a transport.Substream
// for tests that only exercise Stream's framing, not real backpressure.
type fakeSubstream struct {
	net.Conn
	label string
}

func (f *fakeSubstream) Label() string                       { return f.label }
func (f *fakeSubstream) BufferedAmount() uint64               { return 0 }
func (f *fakeSubstream) SetBufferedAmountLowThreshold(uint64) {}
func (f *fakeSubstream) OnBufferedAmountLow(func())           {}
func (f *fakeSubstream) ReadyState() webrtc.DataChannelState  { return webrtc.DataChannelStateOpen }

func newPipe() (*fakeSubstream, *fakeSubstream) {
	a, b := net.Pipe()
	return &fakeSubstream{Conn: a, label: "signaling"}, &fakeSubstream{Conn: b, label: "signaling"}
}

func TestStreamSendReceiveRoundTrip(t *testing.T) {
	a, b := newPipe()
	streamA := NewStream(a)
	streamB := NewStream(b)

	received := make(chan Message, 1)
	streamB.OnMessage(func(msg Message) { received <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go streamB.Run(ctx)

	if err := streamA.Send(Message{Kind: KindChat, ID: "1", Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Kind != KindChat || msg.Text != "hello" {
			t.Fatalf("got %+v, want chat message with text hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	a, b := newPipe()
	streamB := NewStream(b)

	received := make(chan Message, 1)
	streamB.OnMessage(func(msg Message) { received <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go streamB.Run(ctx)

	go func() {
		a.Write([]byte("not json\n"))
		a.Write([]byte(`{"kind":"chat","text":"after garbage"}` + "\n"))
	}()

	select {
	case msg := <-received:
		if msg.Text != "after garbage" {
			t.Fatalf("got %+v, want the message following the malformed line", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message after malformed line")
	}
}

func TestStreamRunReturnsOnContextCancel(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	streamB := NewStream(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- streamB.Run(ctx) }()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
