package inspect

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

const (
	clientQueue  = 256
	writeTimeout = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans telemetry records out to connected /stream clients. A client that
// cannot keep up loses records instead of slowing the agent down.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	dropped int64
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Publish sends one record to every client.
func (h *Hub) Publish(endpoint string, rec telemetry.Record) {
	msg, err := json.Marshal(map[string]interface{}{
		"endpoint": endpoint,
		"record":   rec,
	})
	if err != nil {
		return
	}
	h.broadcast(msg)
}

// PublishResult sends a command result to every client.
func (h *Hub) PublishResult(endpoint string, result map[string]interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"endpoint": endpoint,
		"result":   result,
	})
	if err != nil {
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages slow clients missed.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ServeHTTP upgrades the request and streams records until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[inspect] Failed to accept WebSocket: %v", err)
		return
	}

	c := &streamClient{
		conn: conn,
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
	h.add(c)
	defer h.remove(c)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))

	// Reads only detect the peer going away.
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
