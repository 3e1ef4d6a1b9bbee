package signaling

import (
	"context"
	"testing"
	"time"
)

func TestBusJoinNotifiesExistingMembers(t *testing.T) {
	bus := NewBus()
	alpha := bus.NewClient("alpha")
	beta := bus.NewClient("beta")

	alphaJoined := make(chan string, 1)
	betaJoined := make(chan string, 1)
	alpha.OnPeerJoined(func(remoteID string) { alphaJoined <- remoteID })
	beta.OnPeerJoined(func(remoteID string) { betaJoined <- remoteID })

	if err := alpha.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("alpha.Join: %v", err)
	}
	if err := beta.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("beta.Join: %v", err)
	}

	select {
	case id := <-alphaJoined:
		if id != "beta" {
			t.Fatalf("alpha got peer-joined for %q, want beta", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alpha's peer-joined notification")
	}

	select {
	case id := <-betaJoined:
		t.Fatalf("newcomer beta got peer-joined for %q; only existing members should be notified", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusSignalRoutesToRecipientOnly(t *testing.T) {
	bus := NewBus()
	alpha := bus.NewClient("alpha")
	beta := bus.NewClient("beta")
	gamma := bus.NewClient("gamma")

	var betaGot, gammaGot bool
	betaCh := make(chan Payload, 1)
	beta.OnSignal(func(from string, p Payload) { betaCh <- p })
	gamma.OnSignal(func(from string, p Payload) { gammaGot = true })

	ctx := context.Background()
	_ = alpha.Join(ctx, "room-2")
	_ = beta.Join(ctx, "room-2")
	_ = gamma.Join(ctx, "room-2")

	if err := alpha.SendSignal(ctx, "beta", Payload{Type: SignalOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	select {
	case p := <-betaCh:
		betaGot = true
		if p.SDP != "v=0" {
			t.Fatalf("SDP = %q, want %q", p.SDP, "v=0")
		}
	case <-time.After(time.Second):
		t.Fatal("beta never received the signal")
	}

	time.Sleep(50 * time.Millisecond)
	if !betaGot || gammaGot {
		t.Fatalf("routing leaked: betaGot=%v gammaGot=%v", betaGot, gammaGot)
	}
}

func TestBusLeaveNotifiesRemainingMembers(t *testing.T) {
	bus := NewBus()
	alpha := bus.NewClient("alpha")
	beta := bus.NewClient("beta")

	left := make(chan string, 1)
	beta.OnPeerLeft(func(remoteID string) { left <- remoteID })

	ctx := context.Background()
	_ = alpha.Join(ctx, "room-3")
	_ = beta.Join(ctx, "room-3")

	if err := alpha.Leave(ctx, "room-3"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	select {
	case id := <-left:
		if id != "alpha" {
			t.Fatalf("peer-left id = %q, want alpha", id)
		}
	case <-time.After(time.Second):
		t.Fatal("beta never received peer-left")
	}
}

func TestMemoryClientSendSignalBeforeJoinFails(t *testing.T) {
	bus := NewBus()
	alpha := bus.NewClient("alpha")
	if err := alpha.SendSignal(context.Background(), "beta", Payload{Type: SignalAnswer}); err == nil {
		t.Fatal("expected an error sending a signal before joining a room")
	}
}

func TestSimulateReconnectFiresCallback(t *testing.T) {
	bus := NewBus()
	alpha := bus.NewClient("alpha")
	fired := make(chan struct{}, 1)
	alpha.OnReconnect(func() { fired <- struct{}{} })

	alpha.SimulateReconnect()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnReconnect callback never fired")
	}
}
