package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestRelay(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go hub.Register(conn, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialRelay(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg wireMessage
	err := conn.ReadJSON(&msg)
	if err == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

// TestJoinRoomNotifiesOnlyExistingMembers guards against the
// dual-initiator glare bug: peer-joined must be delivered to the
// existing member about the newcomer, never to the newcomer about its
// own arrival, or both sides would elect themselves initiator and
// offer simultaneously.
func TestJoinRoomNotifiesOnlyExistingMembers(t *testing.T) {
	srv, _ := startTestRelay(t)

	first := dialRelay(t, srv, "alpha")
	if err := first.WriteJSON(wireMessage{Type: "join-room", RoomID: "room-1"}); err != nil {
		t.Fatalf("alpha join: %v", err)
	}

	second := dialRelay(t, srv, "beta")
	if err := second.WriteJSON(wireMessage{Type: "join-room", RoomID: "room-1"}); err != nil {
		t.Fatalf("beta join: %v", err)
	}

	msg := readMessage(t, first, 2*time.Second)
	if msg.Type != "peer-joined" || msg.RemoteID != "beta" {
		t.Fatalf("first got %+v, want peer-joined for beta", msg)
	}

	expectNoMessage(t, second, 200*time.Millisecond)
}
