package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/engram/consolidate/scheduler"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// The stream is server-push only; clients send nothing but control
	// frames
	maxMessageSize = 512

	// Status snapshots buffered per client before updates are dropped
	clientSendBuffer = 16
)

// statusMessage is the envelope every /ws/progress frame carries.
type statusMessage struct {
	Type string           `json:"type"`
	Data scheduler.Status `json:"data"`
}

// statusPayload encodes the current scheduler status once so a single
// broadcast serializes once regardless of client count.
func (s *Server) statusPayload() ([]byte, error) {
	return json.Marshal(statusMessage{
		Type: "status",
		Data: s.scheduler.Status(),
	})
}

// checkOrigin validates the WebSocket origin against configured allowed
// origins. Prefix matching keeps any port on an allowed host valid.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// client is one /ws/progress connection.
type client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	id        string
	closeOnce sync.Once
}

// handleProgressWS upgrades the connection and streams status snapshots
// until the client goes away or the server shuts down.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warnw("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		id:     uuid.NewString(),
	}

	select {
	case s.register <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// trySend queues a payload without blocking. Reports false when the
// client's buffer is full.
func (c *client) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readPump consumes control frames and notices disconnects. The stream
// carries no client-to-server messages.
func (c *client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"error", err)
			}
			return
		}
	}
}

// writePump writes queued snapshots and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.server.logger.Debugw("Status write error",
					"client_id", c.id,
					"error", err)
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

// close shuts the send channel exactly once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
