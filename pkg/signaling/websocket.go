package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Client = (*WebSocketClient)(nil)

// pingPeriod is the keepalive interval spec §4.2/§6.1 mandates to defeat
// 60s idle timeouts on intermediaries that don't understand long-lived
// connections.
const pingPeriod = 10 * time.Second

// pongWait is how long we wait for a pong after sending a ping before
// treating the connection as dead (spec §6.1's "5 s pong deadline").
const pongWait = 5 * time.Second

// reconnectMinBackoff and reconnectMaxBackoff bound the exponential
// backoff used to redial after a lost connection, following the same
// doubling-with-cap idiom as the teacher's pkg/api.Client.postJSON.
const (
	reconnectMinBackoff = 500 * time.Millisecond
	reconnectMaxBackoff = 30 * time.Second
)

// wireMessage is the JSON envelope exchanged with the relay (spec §6.1).
type wireMessage struct {
	Type     string   `json:"type"`
	RoomID   string   `json:"roomId,omitempty"`
	To       string   `json:"to,omitempty"`
	From     string   `json:"from,omitempty"`
	RemoteID string   `json:"remoteId,omitempty"`
	Signal   *Payload `json:"signal,omitempty"`
}

// WebSocketClient is a Client backed by a real bidirectional-stream
// carrier (gorilla/websocket), grounded on the read-pump/write-pump
// shape of canonical-microcloud's WebsocketGateway: one goroutine reads
// and dispatches, all writes serialize through a single mutex.
type WebSocketClient struct {
	url     string
	localID string
	logger  *slog.Logger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	cbMu        sync.Mutex
	onSignal    func(from string, payload Payload)
	onJoined    func(remoteID string)
	onLeft      func(remoteID string)
	onReconnect func()

	roomMu sync.Mutex
	room   string

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a DropSync relay at rawURL (e.g. "wss://relay.example/ws")
// identifying this endpoint as localID.
func Dial(ctx context.Context, rawURL, localID string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("signaling: invalid relay URL: %w", err)
	}

	c := &WebSocketClient{
		url:     rawURL,
		localID: localID,
		logger:  logger,
		closed:  make(chan struct{}),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL(rawURL, localID), nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dialing relay: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *WebSocketClient) LocalID() string { return c.localID }

func (c *WebSocketClient) Join(_ context.Context, room string) error {
	c.roomMu.Lock()
	c.room = room
	c.roomMu.Unlock()
	return c.writeJSON(wireMessage{Type: "join-room", RoomID: room})
}

func (c *WebSocketClient) Leave(_ context.Context, room string) error {
	c.roomMu.Lock()
	if c.room == room {
		c.room = ""
	}
	c.roomMu.Unlock()
	return c.writeJSON(wireMessage{Type: "leave-room", RoomID: room})
}

func (c *WebSocketClient) SendSignal(_ context.Context, to string, payload Payload) error {
	p := payload
	return c.writeJSON(wireMessage{
		Type:   "signal",
		To:     to,
		From:   c.localID,
		Signal: &p,
	})
}

func (c *WebSocketClient) OnSignal(cb func(from string, payload Payload)) {
	c.cbMu.Lock()
	c.onSignal = cb
	c.cbMu.Unlock()
}

func (c *WebSocketClient) OnPeerJoined(cb func(remoteID string)) {
	c.cbMu.Lock()
	c.onJoined = cb
	c.cbMu.Unlock()
}

func (c *WebSocketClient) OnPeerLeft(cb func(remoteID string)) {
	c.cbMu.Lock()
	c.onLeft = cb
	c.cbMu.Unlock()
}

func (c *WebSocketClient) OnReconnect(cb func()) {
	c.cbMu.Lock()
	c.onReconnect = cb
	c.cbMu.Unlock()
}

func (c *WebSocketClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *WebSocketClient) writeJSON(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	return conn.WriteJSON(msg)
}

// readLoop dispatches inbound relay messages and, on a read error,
// hands off to the reconnect loop. Runs for the lifetime of the client.
func (c *WebSocketClient) readLoop() {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))

		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				c.logger.Warn("signaling connection lost", "error", err)
				break
			}
			c.dispatch(msg)
		}

		select {
		case <-c.closed:
			return
		default:
		}

		if !c.reconnect() {
			return
		}
	}
}

func (c *WebSocketClient) dispatch(msg wireMessage) {
	switch msg.Type {
	case "peer-joined":
		c.cbMu.Lock()
		cb := c.onJoined
		c.cbMu.Unlock()
		if cb != nil {
			cb(msg.RemoteID)
		}
	case "peer-left":
		c.cbMu.Lock()
		cb := c.onLeft
		c.cbMu.Unlock()
		if cb != nil {
			cb(msg.RemoteID)
		}
	case "signal":
		if msg.Signal == nil {
			return
		}
		c.cbMu.Lock()
		cb := c.onSignal
		c.cbMu.Unlock()
		if cb != nil {
			cb(msg.From, *msg.Signal)
		}
	default:
		c.logger.Debug("signaling: unrecognized relay message", "type", msg.Type)
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client is closed. Returns false if the client was closed meanwhile.
func (c *WebSocketClient) reconnect() bool {
	backoff := reconnectMinBackoff
	for {
		select {
		case <-c.closed:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(dialURL(c.url, c.localID), nil)
		if err != nil {
			c.logger.Warn("signaling reconnect failed", "error", err)
			backoff = min(backoff*2, reconnectMaxBackoff)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.cbMu.Lock()
		cb := c.onReconnect
		c.cbMu.Unlock()
		if cb != nil {
			cb()
		}
		return true
	}
}

// pingLoop sends a ping every pingPeriod. If the write fails the read
// loop will independently detect the dead connection.
func (c *WebSocketClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("signaling: ping failed", "error", err)
			}
		}
	}
}

// dialURL appends the endpoint's self-chosen id as a query parameter so
// the relay can attribute the upgraded connection to a LocalID without
// requiring a separate hello frame.
func dialURL(rawURL, localID string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("id", localID)
	u.RawQuery = q.Encode()
	return u.String()
}
