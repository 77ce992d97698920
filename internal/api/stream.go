package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/vesselgate/internal/events"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4096
)

// Streamer pushes gate events to websocket clients. Each client gets its
// own bus subscription, optionally filtered with ?types=a,b.
type Streamer struct {
	source   EventSource
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	sub  chan *events.CloudEvent
	done chan struct{}
	once sync.Once
}

func NewStreamer(source EventSource) *Streamer {
	return &Streamer{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Dashboard is served from a different origin
			},
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// HandleWebSocket upgrades the connection and starts its pumps.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] WebSocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn: conn,
		sub:  s.source.Subscribe(types...),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.source.Unsubscribe(c.sub)
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("[Stream] Client connected", "clients", n, "types", types)

	go s.writePump(c)
	go s.readPump(c)
}

// ClientCount returns the number of connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.drop(c)
	}
}

func (s *Streamer) drop(c *streamClient) {
	c.once.Do(func() {
		close(c.done)
		s.source.Unsubscribe(c.sub)
		c.conn.Close()

		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		slog.Info("[Stream] Client disconnected", "clients", n)
	})
}

// writePump is the only goroutine writing to the connection.
func (s *Streamer) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.drop(c)
	}()

	for {
		select {
		case ev, ok := <-c.sub:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				slog.Warn("[Stream] Write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump discards client frames and keeps the read deadline fresh.
func (s *Streamer) readPump(c *streamClient) {
	defer s.drop(c)

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[Stream] WebSocket error", "error", err)
			}
			return
		}
	}
}
