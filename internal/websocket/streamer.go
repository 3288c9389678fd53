// Package websocket streams fabric events (alerts, device state, OTA
// progress) to dashboard clients in real time.
package websocket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/trapsight/backend/internal/events"
)

type client struct {
	conn     *websocket.Conn
	tenantID string
}

// Streamer fans bus events out to connected dashboards. Each connection
// is scoped to one tenant and only sees that tenant's events.
type Streamer struct {
	bus        *events.Bus
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a streamer reading from the bus.
func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced at the HTTP layer
			},
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Run pumps bus events to clients until the event channel closes.
func (s *Streamer) Run() {
	ch := s.bus.Subscribe()
	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected for tenant %s (total: %d)", c.tenantID, n)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.conn.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", n)

		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Streamer) broadcast(ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if ev.TenantID != "" && c.tenantID != ev.TenantID {
			continue
		}
		if err := c.conn.WriteJSON(ev); err != nil {
			c.conn.Close()
			delete(s.clients, c)
		}
	}
}

// HandleWebSocket upgrades the connection. The tenant scope comes from
// the already-validated request context.
func (s *Streamer) HandleWebSocket(tenantID string, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, tenantID: tenantID}
	s.register <- c

	// Drain the read side so pings and closes are processed.
	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Statistics reports connection counts for the health endpoint.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
	}
}
