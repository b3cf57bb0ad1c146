package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"gopherai-codegen/internal/metrics"
	"gopherai-codegen/internal/model"
)

const sendBufferSize = 256

// Client is one realtime connection.
type Client struct {
	id      string
	userID  uint
	sender  model.Sender
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// guarded by Hub.mu
	room   string
	closed bool
}

func newClient(id string, userID uint, sender model.Sender, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		id:      id,
		userID:  userID,
		sender:  sender,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: limiter,
	}
}

func (c *Client) ID() string { return c.id }

// Hub maps project ids to the clients joined to them. Sends and the closing of a
// client's send channel both happen under mu, so a send never hits a closed channel.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Join puts c in the room of projectID, leaving its previous room. It reports
// false once the hub is closed.
func (h *Hub) Join(projectID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || c.closed {
		return false
	}
	h.removeLocked(c)

	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
	c.room = projectID
	return true
}

// Remove drops c from its room and closes its send channel.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) Room(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// Send queues payload for c alone.
func (h *Hub) Send(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(c, payload)
}

// Broadcast queues payload for every client in the room except one (nil for none)
// and returns how many clients it reached.
func (h *Hub) Broadcast(projectID string, payload []byte, except *Client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.rooms[projectID] {
		if c == except {
			continue
		}
		if h.sendLocked(c, payload) {
			sent++
		}
	}
	return sent
}

// Close closes every client's send channel and refuses further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, room := range h.rooms {
		for c := range room {
			if !c.closed {
				c.closed = true
				close(c.send)
			}
			c.room = ""
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
}

func (h *Hub) sendLocked(c *Client, payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		metrics.RelayDroppedTotal.WithLabelValues("slow_client").Inc()
		return false
	}
}

func (h *Hub) removeLocked(c *Client) {
	if c.room == "" {
		return
	}
	if room, ok := h.rooms[c.room]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}
