package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrwolf/anchor-server/internal/models"
)

// ErrNoClients is returned when the in-app banner has nobody to show to
var ErrNoClients = errors.New("no connected clients")

const hubWriteTimeout = 10 * time.Second

type hubClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hubClient) write(deadline time.Time, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the in-app banner sink: open app sessions connect over a websocket
// and receive every dispatched notification.
type Hub struct {
	upgrader websocket.Upgrader
	clients  map[*hubClient]struct{}
	mu       sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Hub: upgrade failed: %v", err)
		return
	}

	c := &hubClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("Hub: client connected from %s", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
		log.Printf("Hub: client disconnected from %s", r.RemoteAddr)
	}()

	// clients only listen; reading drives close and ping handling
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatch broadcasts the event to every connected client
func (h *Hub) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	data, err := json.Marshal(NewEvent(n))
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return ErrNoClients
	}

	deadline := time.Now().Add(hubWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	delivered := 0
	var lastErr error
	for _, c := range clients {
		if err := c.write(deadline, data); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("broadcast failed: %w", lastErr)
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}
