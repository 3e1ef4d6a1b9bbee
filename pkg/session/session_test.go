package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dropsync/dropsync/pkg/models"
	"github.com/dropsync/dropsync/pkg/signaling"
)

func newEnginePair(t *testing.T) (alpha, beta *Engine, room string, teardown func()) {
	t.Helper()
	bus := signaling.NewBus()
	alphaSig := bus.NewClient("alpha")
	betaSig := bus.NewClient("beta")

	quiet := slog.New(slog.DiscardHandler)
	alpha = NewEngine(alphaSig, quiet)
	beta = NewEngine(betaSig, quiet)

	room = "room-e2e"
	return alpha, beta, room, func() {
		alpha.Leave(context.Background())
		beta.Leave(context.Background())
	}
}

func joinBoth(t *testing.T, alpha, beta *Engine, room string) {
	t.Helper()
	ctx := context.Background()
	if err := alpha.Join(ctx, room); err != nil {
		t.Fatalf("alpha.Join: %v", err)
	}
	if err := beta.Join(ctx, room); err != nil {
		t.Fatalf("beta.Join: %v", err)
	}
}

func waitForAuthState(t *testing.T, e *Engine, want models.AuthState, timeout time.Duration) models.AuthState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last models.AuthState
	for time.Now().Before(deadline) {
		last = e.Inspect().AuthState
		if last == want {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	return last
}

func TestEngineNoPasswordBothSidesSkip(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	joinBoth(t, alpha, beta, room)

	if got := waitForAuthState(t, alpha, models.AuthSkipped, 15*time.Second); got != models.AuthSkipped {
		t.Fatalf("alpha auth state = %s, want skipped", got)
	}
	if got := waitForAuthState(t, beta, models.AuthSkipped, 15*time.Second); got != models.AuthSkipped {
		t.Fatalf("beta auth state = %s, want skipped", got)
	}
}

func TestEngineMatchingPasswordsAdmit(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	alpha.SetPassword("hunter2")
	beta.SetPassword("hunter2")
	joinBoth(t, alpha, beta, room)

	if got := waitForAuthState(t, alpha, models.AuthAdmitted, 15*time.Second); got != models.AuthAdmitted {
		t.Fatalf("alpha auth state = %s, want admitted", got)
	}
	if got := waitForAuthState(t, beta, models.AuthAdmitted, 15*time.Second); got != models.AuthAdmitted {
		t.Fatalf("beta auth state = %s, want admitted", got)
	}
}

func TestEngineMismatchedPasswordsReject(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	alpha.SetPassword("hunter2")
	beta.SetPassword("something-else")
	joinBoth(t, alpha, beta, room)

	if got := waitForAuthState(t, alpha, models.AuthRejected, 15*time.Second); got != models.AuthRejected {
		t.Fatalf("alpha auth state = %s, want rejected", got)
	}
	if got := waitForAuthState(t, beta, models.AuthRejected, 15*time.Second); got != models.AuthRejected {
		t.Fatalf("beta auth state = %s, want rejected", got)
	}
	assertPeerTornDown(t, alpha)
	assertPeerTornDown(t, beta)
}

func TestEngineOneSidedPasswordRejectsBothDirections(t *testing.T) {
	cases := []struct {
		name        string
		alphaHasPwd bool
	}{
		{"alpha-has-password", true},
		{"beta-has-password", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alpha, beta, room, teardown := newEnginePair(t)
			defer teardown()
			if tc.alphaHasPwd {
				alpha.SetPassword("hunter2")
			} else {
				beta.SetPassword("hunter2")
			}
			joinBoth(t, alpha, beta, room)

			if got := waitForAuthState(t, alpha, models.AuthRejected, 15*time.Second); got != models.AuthRejected {
				t.Fatalf("alpha auth state = %s, want rejected", got)
			}
			if got := waitForAuthState(t, beta, models.AuthRejected, 15*time.Second); got != models.AuthRejected {
				t.Fatalf("beta auth state = %s, want rejected", got)
			}
			assertPeerTornDown(t, alpha)
			assertPeerTornDown(t, beta)
		})
	}
}

// assertPeerTornDown verifies a rejected handshake cleared the peer and
// transport state rather than leaving a stale TransportSession behind,
// so a subsequent peer-joined/offer can re-arm a fresh one on retry.
func assertPeerTornDown(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Inspect().Peer == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("peer state was not cleared after rejection")
}

func TestEngineChatDeliveredAfterAdmission(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	joinBoth(t, alpha, beta, room)

	waitForAuthState(t, alpha, models.AuthSkipped, 15*time.Second)
	waitForAuthState(t, beta, models.AuthSkipped, 15*time.Second)

	if err := alpha.SendChat("hello from alpha"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chat := beta.Inspect().Chat
		for _, m := range chat {
			if m.Origin == models.OriginRemote && m.Text == "hello from alpha" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("beta never observed alpha's chat message")
}

// waitForPending polls until id shows up in e's pending-accept list, or
// fails the test after timeout.
func waitForPending(t *testing.T, e *Engine, id string, timeout time.Duration) models.PendingFile {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range e.Inspect().Pending {
			if p.ID == id {
				return p
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("transfer %s never became pending-accept", id)
	return models.PendingFile{}
}

// waitForTransferStatus polls e's transfer id for the given status.
func waitForTransferStatus(t *testing.T, e *Engine, id string, want models.TransferStatus, timeout time.Duration) models.FileTransfer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last models.FileTransfer
	for time.Now().Before(deadline) {
		for _, tr := range e.Inspect().Transfers {
			if tr.ID == id {
				last = tr
				if tr.Status == want {
					return tr
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("transfer %s status = %s, want %s", id, last.Status, want)
	return last
}

func TestEngineSendFileWithoutTransportRecordsError(t *testing.T) {
	alpha, _, _, teardown := newEnginePair(t)
	defer teardown()

	id, err := alpha.SendFile(context.Background(), "orphan.bin", 4, bytes.NewReader([]byte("data")))
	if err == nil {
		t.Fatal("SendFile: want error when no transport is active")
	}
	if id == "" {
		t.Fatal("SendFile: want a transfer id even on immediate failure")
	}

	var found *models.FileTransfer
	for _, tr := range alpha.Inspect().Transfers {
		if tr.ID == id {
			tr := tr
			found = &tr
		}
	}
	if found == nil {
		t.Fatalf("transfer %s not recorded in Inspect().Transfers", id)
	}
	if found.Status != models.StatusError || found.ErrorKind != models.ErrNotConnected {
		t.Fatalf("transfer = %+v, want status error / kind not-connected", found)
	}
}

func TestEngineSendFileRoundTrip(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	joinBoth(t, alpha, beta, room)
	waitForAuthState(t, alpha, models.AuthSkipped, 15*time.Second)
	waitForAuthState(t, beta, models.AuthSkipped, 15*time.Second)

	payload := bytes.Repeat([]byte("dropsync-e2e-payload-"), 4096)
	id, err := alpha.SendFile(context.Background(), "report.bin", int64(len(payload)), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	pending := waitForPending(t, beta, id, 15*time.Second)
	if pending.Name != "report.bin" || pending.Size != int64(len(payload)) {
		t.Fatalf("pending file = %+v, want name report.bin size %d", pending, len(payload))
	}

	var received []byte
	if err := beta.AcceptFile(id, func(name string, data []byte) error {
		received = append([]byte(nil), data...)
		return nil
	}); err != nil {
		t.Fatalf("AcceptFile: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("received %d bytes, want %d bytes matching source", len(received), len(payload))
	}

	waitForTransferStatus(t, alpha, id, models.StatusCompleted, 15*time.Second)
	waitForTransferStatus(t, beta, id, models.StatusCompleted, 15*time.Second)
}

// pacedReader hands out one ChunkSize-sized read at a time, blocking
// after each read until the test sends on proceed, so a test can
// interleave a CancelTransfer between chunk reads.
type pacedReader struct {
	data      []byte
	pos       int
	chunkSize int
	chunkRead chan struct{}
	proceed   chan struct{}
}

func (r *pacedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunkSize
	if remaining := len(r.data) - r.pos; n > remaining {
		n = remaining
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	r.chunkRead <- struct{}{}
	<-r.proceed
	return n, nil
}

func TestEngineCancelMidTransfer(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	joinBoth(t, alpha, beta, room)
	waitForAuthState(t, alpha, models.AuthSkipped, 15*time.Second)
	waitForAuthState(t, beta, models.AuthSkipped, 15*time.Second)

	payload := bytes.Repeat([]byte{0xAB}, 3*16384)
	reader := &pacedReader{data: payload, chunkSize: 16384, chunkRead: make(chan struct{}), proceed: make(chan struct{})}

	id, err := alpha.SendFile(context.Background(), "cancel.bin", int64(len(payload)), reader)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case <-reader.chunkRead:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for first chunk read")
	}
	alpha.CancelTransfer(id)
	reader.proceed <- struct{}{}

	tr := waitForTransferStatus(t, alpha, id, models.StatusCancelled, 15*time.Second)
	if tr.ErrorKind != models.ErrCancelled {
		t.Fatalf("cancelled transfer error kind = %s, want %s", tr.ErrorKind, models.ErrCancelled)
	}
}

func TestEngineDeclineFile(t *testing.T) {
	alpha, beta, room, teardown := newEnginePair(t)
	defer teardown()
	joinBoth(t, alpha, beta, room)
	waitForAuthState(t, alpha, models.AuthSkipped, 15*time.Second)
	waitForAuthState(t, beta, models.AuthSkipped, 15*time.Second)

	payload := []byte("small file, big decision")
	id, err := alpha.SendFile(context.Background(), "declined.txt", int64(len(payload)), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	waitForPending(t, beta, id, 15*time.Second)
	beta.DeclineFile(id)

	tr := waitForTransferStatus(t, beta, id, models.StatusCancelled, 5*time.Second)
	if tr.ErrorKind != models.ErrDeclined {
		t.Fatalf("declined transfer error kind = %s, want %s", tr.ErrorKind, models.ErrDeclined)
	}
	for _, p := range beta.Inspect().Pending {
		if p.ID == id {
			t.Fatalf("declined file %s still present in Pending", id)
		}
	}
}
