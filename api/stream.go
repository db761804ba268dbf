package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcmonitor/snapshot"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// sendBuffer is the number of states queued per client before it is
	// considered too slow and dropped
	sendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans monitor states out to websocket clients
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Count is the number of connected clients
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues state for every client. Clients whose queue is full are
// disconnected.
func (h *Hub) Broadcast(state snapshot.State) {
	data, err := json.Marshal(state)
	if err != nil {
		log.WithError(err).Error("Failed to encode state for stream")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.WithField("remote", c.conn.RemoteAddr().String()).Warn("Stream client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// add registers c with initial, if any, already queued. Queueing under the
// lock keeps Close from closing c.send in between.
func (h *Hub) add(c *streamClient, initial []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if initial != nil {
		c.send <- initial
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *streamClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleStream upgrades to a websocket and sends the current state followed
// by every published one
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	initial, err := json.Marshal(s.source.State())
	if err != nil {
		log.WithError(err).Error("Failed to encode state for stream")
		initial = nil
	}

	c := &streamClient{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.hub.add(c, initial) {
		conn.Close()
		return
	}

	log.WithField("remote", r.RemoteAddr).Debug("Stream client connected")
	go c.writeLoop()
	c.readLoop()
	s.hub.remove(c)
	log.WithField("remote", r.RemoteAddr).Debug("Stream client disconnected")
}

// readLoop discards client messages and returns when the connection ends
func (c *streamClient) readLoop() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
