package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dropsync/dropsync/pkg/signaling"
)

// newLoopbackPair builds two Sessions joined to the same in-memory
// signaling room and wires each Session's HandleSignal to the other's
// SendSignal traffic, following the offer/answer/candidate relay loop
// bureau-foundation-bureau/transport/webrtc_test.go drives over its
// in-process signaler.
func newLoopbackPair(t *testing.T) (initiator, responder *Session, teardown func()) {
	t.Helper()
	bus := signaling.NewBus()
	alphaSig := bus.NewClient("alpha")
	betaSig := bus.NewClient("beta")

	ctx := context.Background()
	if err := alphaSig.Join(ctx, "room-loop"); err != nil {
		t.Fatalf("alpha join: %v", err)
	}
	if err := betaSig.Join(ctx, "room-loop"); err != nil {
		t.Fatalf("beta join: %v", err)
	}

	quiet := slog.New(slog.DiscardHandler)

	alpha, err := NewSession(alphaSig, "beta", true, quiet)
	if err != nil {
		t.Fatalf("NewSession alpha: %v", err)
	}
	beta, err := NewSession(betaSig, "alpha", false, quiet)
	if err != nil {
		t.Fatalf("NewSession beta: %v", err)
	}

	alphaSig.OnSignal(func(from string, p signaling.Payload) {
		if err := alpha.HandleSignal(context.Background(), p); err != nil {
			t.Logf("alpha HandleSignal: %v", err)
		}
	})
	betaSig.OnSignal(func(from string, p signaling.Payload) {
		if err := beta.HandleSignal(context.Background(), p); err != nil {
			t.Logf("beta HandleSignal: %v", err)
		}
	})

	return alpha, beta, func() {
		alpha.Close()
		beta.Close()
	}
}

func TestSessionOfferEstablishesSignalingSubstream(t *testing.T) {
	alpha, beta, teardown := newLoopbackPair(t)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := alpha.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	type result struct {
		sub Substream
		err error
	}
	alphaResult := make(chan result, 1)
	betaResult := make(chan result, 1)
	go func() {
		sub, err := alpha.SignalingSubstream(ctx)
		alphaResult <- result{sub, err}
	}()
	go func() {
		sub, err := beta.SignalingSubstream(ctx)
		betaResult <- result{sub, err}
	}()

	a := <-alphaResult
	b := <-betaResult
	if a.err != nil {
		t.Fatalf("alpha SignalingSubstream: %v", a.err)
	}
	if b.err != nil {
		t.Fatalf("beta SignalingSubstream: %v", b.err)
	}
	if a.sub == nil || b.sub == nil {
		t.Fatal("expected both sides to obtain a signaling substream")
	}
}

func TestSessionFileStreamRoundTrip(t *testing.T) {
	alpha, beta, teardown := newLoopbackPair(t)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := alpha.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := alpha.SignalingSubstream(ctx); err != nil {
		t.Fatalf("alpha SignalingSubstream: %v", err)
	}
	if _, err := beta.SignalingSubstream(ctx); err != nil {
		t.Fatalf("beta SignalingSubstream: %v", err)
	}

	inbound := make(chan Substream, 1)
	beta.OnFileStream(func(id string, sub Substream) {
		if id == "xfer-loop" {
			inbound <- sub
		}
	})

	outSub, err := alpha.OpenFileStream(ctx, "xfer-loop")
	if err != nil {
		t.Fatalf("OpenFileStream: %v", err)
	}
	defer outSub.Close()

	select {
	case inSub := <-inbound:
		defer inSub.Close()
		message := []byte("loopback payload")
		if _, err := outSub.Write(message); err != nil {
			t.Fatalf("Write: %v", err)
		}
		buf := make([]byte, len(message))
		if _, err := readFull(inSub, buf); err != nil {
			t.Fatalf("reading loopback payload: %v", err)
		}
		if string(buf) != string(message) {
			t.Fatalf("got %q, want %q", buf, message)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for inbound file substream")
	}
}

func readFull(sub Substream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := sub.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
