// The rendezvous relay implements spec §6.1: it forwards opaque signal
// payloads between exactly two browser endpoints sharing a room id and
// never inspects offer/answer/candidate contents. Structure follows
// Metaphorme-wormhole's control-plane server (pkg/server): an
// IPLimiter guarding inbound traffic, ClientIP-based rate keys, and a
// slog-based request log, generalized here from HTTP nameplate
// allocation to a long-lived websocket fan-out per room.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wireMessage mirrors pkg/signaling.WebSocketClient's envelope exactly;
// duplicated here (rather than imported) because the relay speaks only
// the wire format, never the signaling.Payload type the client
// application logic uses.
type wireMessage struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	RemoteID string          `json:"remoteId,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// maxRoomMembers bounds a room to the two-endpoint topology spec §1
// describes; a third join is rejected rather than silently admitted.
const maxRoomMembers = 2

// client is one accepted websocket connection, identified by the id it
// supplied when dialing.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	room    string
}

func (c *client) writeJSON(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub tracks room membership and routes signals between the (at most
// two) clients sharing a room, following the room semantics spec §3
// assigns to Session/Peer without persisting anything beyond process
// memory — the relay holds no state a restart should need to survive.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*client // roomID -> id -> client
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, rooms: make(map[string]map[string]*client)}
}

// Register runs the read loop for one accepted connection until it
// disconnects, cleaning up room membership on the way out.
func (h *Hub) Register(conn *websocket.Conn, id string) {
	c := &client{id: id, conn: conn}
	defer h.disconnect(c)

	conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	})

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			h.logger.Debug("relay: connection closed", "id", id, "error", err)
			return
		}
		h.handle(c, msg)
	}
}

func (h *Hub) handle(c *client, msg wireMessage) {
	switch msg.Type {
	case "join-room":
		h.joinRoom(c, msg.RoomID)
	case "leave-room":
		h.leaveRoom(c)
	case "signal":
		h.forwardSignal(c, msg)
	default:
		h.logger.Debug("relay: unrecognized message type", "type", msg.Type, "from", c.id)
	}
}

func (h *Hub) joinRoom(c *client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*client)
		h.rooms[room] = members
	}
	if len(members) >= maxRoomMembers {
		h.mu.Unlock()
		h.logger.Warn("relay: room full, rejecting join", "room", room, "id", c.id)
		return
	}
	existing := make([]*client, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	members[c.id] = c
	c.room = room
	h.mu.Unlock()

	h.logger.Info("relay: peer joined", "room", room, "id", c.id)

	// Only existing members learn about the newcomer. peer-joined is
	// one-directional: initiator election picks whichever endpoint
	// receives it first, so the newcomer (who never gets one for its
	// own arrival) is always the answerer.
	for _, m := range existing {
		_ = m.writeJSON(wireMessage{Type: "peer-joined", RemoteID: c.id})
	}
}

func (h *Hub) leaveRoom(c *client) {
	h.removeFromRoom(c)
}

func (h *Hub) disconnect(c *client) {
	_ = c.conn.Close()
	h.removeFromRoom(c)
}

func (h *Hub) removeFromRoom(c *client) {
	h.mu.Lock()
	room := c.room
	members, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(members, c.id)
	remaining := make([]*client, 0, len(members))
	for _, m := range members {
		remaining = append(remaining, m)
	}
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	c.room = ""
	h.mu.Unlock()

	if room == "" {
		return
	}
	h.logger.Info("relay: peer left", "room", room, "id", c.id)
	for _, m := range remaining {
		_ = m.writeJSON(wireMessage{Type: "peer-left", RemoteID: c.id})
	}
}

func (h *Hub) forwardSignal(from *client, msg wireMessage) {
	h.mu.Lock()
	members := h.rooms[from.room]
	var to *client
	if members != nil {
		to = members[msg.To]
	}
	h.mu.Unlock()

	if to == nil {
		h.logger.Warn("relay: signal target not in room", "room", from.room, "to", msg.To, "from", from.id)
		return
	}
	_ = to.writeJSON(wireMessage{
		Type:   "signal",
		From:   from.id,
		Signal: msg.Signal,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
