// Package ws fans chat events out to connected frontend clients.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type connection struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // guards writes, gorilla allows one writer at a time
}

func (c *connection) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub tracks live connections and broadcasts event frames to all of them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

// Register adopts the connection, sends the hello frame, and starts a read
// loop whose only job is detecting disconnects.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &connection{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	log.Printf("ws: client %s connected (%d total)", c.id, total)

	if err := c.write([]byte(`{"type":"connected"}`)); err != nil {
		log.Printf("ws: hello to %s: %v", c.id, err)
		h.drop(c.id)
		return
	}

	go h.readLoop(c)
}

func (h *Hub) readLoop(c *connection) {
	defer h.drop(c.id)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Inbound frames are ignored; the stream is one-way.
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	total := len(h.conns)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		log.Printf("ws: client %s disconnected (%d total)", id, total)
	}
}

// Broadcast serializes the event once and writes it to every connection,
// pruning the ones that fail.
func (h *Hub) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws: marshal broadcast: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			log.Printf("ws: write to %s: %v", c.id, err)
			h.drop(c.id)
		}
	}
}

// Count reports the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
