package signaling

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Client = (*MemoryClient)(nil)

// Bus is an in-process rendezvous relay for tests, grounded on the
// shared-map pattern of bureau-foundation-bureau's MemorySignaler but
// event-based (join/leave/signal callbacks) rather than poll-based,
// matching this package's Client contract directly.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*MemoryClient // roomID -> localID -> client
}

// NewBus creates an empty in-process relay.
func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]*MemoryClient)}
}

// NewClient creates a MemoryClient identified by localID, attached to
// this bus. Two clients sharing a Bus can exchange signals without any
// network hop.
func (b *Bus) NewClient(localID string) *MemoryClient {
	return &MemoryClient{bus: b, localID: localID}
}

func (b *Bus) join(c *MemoryClient, room string) {
	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]*MemoryClient)
		b.rooms[room] = members
	}
	existing := make([]*MemoryClient, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	members[c.localID] = c
	b.mu.Unlock()

	for _, m := range existing {
		m := m
		go m.notifyPeerJoined(c.localID)
	}
}

func (b *Bus) leave(c *MemoryClient, room string) {
	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(members, c.localID)
	remaining := make([]*MemoryClient, 0, len(members))
	for _, m := range members {
		remaining = append(remaining, m)
	}
	if len(members) == 0 {
		delete(b.rooms, room)
	}
	b.mu.Unlock()

	for _, m := range remaining {
		m := m
		go m.notifyPeerLeft(c.localID)
	}
}

func (b *Bus) send(room, from, to string, payload Payload) {
	b.mu.Lock()
	members := b.rooms[room]
	target, ok := members[to]
	b.mu.Unlock()
	if !ok {
		// Real relays silently drop signals addressed to a peer that has
		// already disconnected; there is no error to report back.
		return
	}
	go target.notifySignal(from, payload)
}

// MemoryClient is a Client backed by a Bus. Safe for concurrent use.
type MemoryClient struct {
	bus     *Bus
	localID string

	mu          sync.Mutex
	room        string
	onSignal    func(from string, payload Payload)
	onJoined    func(remoteID string)
	onLeft      func(remoteID string)
	onReconnect func()
}

func (c *MemoryClient) LocalID() string { return c.localID }

func (c *MemoryClient) Join(_ context.Context, room string) error {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	c.bus.join(c, room)
	return nil
}

func (c *MemoryClient) Leave(_ context.Context, room string) error {
	c.bus.leave(c, room)
	c.mu.Lock()
	if c.room == room {
		c.room = ""
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryClient) SendSignal(_ context.Context, to string, payload Payload) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return fmt.Errorf("signaling: cannot send signal before joining a room")
	}
	c.bus.send(room, c.localID, to, payload)
	return nil
}

func (c *MemoryClient) OnSignal(cb func(from string, payload Payload)) {
	c.mu.Lock()
	c.onSignal = cb
	c.mu.Unlock()
}

func (c *MemoryClient) OnPeerJoined(cb func(remoteID string)) {
	c.mu.Lock()
	c.onJoined = cb
	c.mu.Unlock()
}

func (c *MemoryClient) OnPeerLeft(cb func(remoteID string)) {
	c.mu.Lock()
	c.onLeft = cb
	c.mu.Unlock()
}

func (c *MemoryClient) OnReconnect(cb func()) {
	c.mu.Lock()
	c.onReconnect = cb
	c.mu.Unlock()
}

// SimulateReconnect fires the reconnect callback, for tests that exercise
// the "signaling carrier reconnects" scenario without a real network.
func (c *MemoryClient) SimulateReconnect() {
	c.mu.Lock()
	cb := c.onReconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room != "" {
		c.bus.leave(c, room)
	}
	return nil
}

func (c *MemoryClient) notifyPeerJoined(remoteID string) {
	c.mu.Lock()
	cb := c.onJoined
	c.mu.Unlock()
	if cb != nil {
		cb(remoteID)
	}
}

func (c *MemoryClient) notifyPeerLeft(remoteID string) {
	c.mu.Lock()
	cb := c.onLeft
	c.mu.Unlock()
	if cb != nil {
		cb(remoteID)
	}
}

func (c *MemoryClient) notifySignal(from string, payload Payload) {
	c.mu.Lock()
	cb := c.onSignal
	c.mu.Unlock()
	if cb != nil {
		cb(from, payload)
	}
}
