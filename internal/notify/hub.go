package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the control surface sits behind the API key middleware
	},
}

// wsMessage is the frame sent to live progress clients
type wsMessage struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

type hubClient struct {
	mu     sync.Mutex
	tenant string
}

// Hub broadcasts events to connected WebSocket clients. A client may subscribe
// to one tenant with ?tenant=<id>.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*hubClient
	logger  *zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zerolog.Logger) *Hub {
	l := logger.With().Str("component", "ws_hub").Logger()
	return &Hub{
		clients: make(map[*websocket.Conn]*hubClient),
		logger:  &l,
	}
}

// Name implements Sink
func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &hubClient{tenant: r.URL.Query().Get("tenant")}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", total).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// Handle implements Sink by broadcasting ev to matching clients
func (h *Hub) Handle(_ context.Context, ev Event) error {
	data, err := json.Marshal(wsMessage{Type: string(ev.Type), Payload: ev})
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	clients := make([]*hubClient, 0, len(h.clients))
	for conn, c := range h.clients {
		if c.tenant != "" && c.tenant != ev.TenantID {
			continue
		}
		conns = append(conns, conn)
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		c := clients[i]
		c.mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send event to client")
		}
	}
	return nil
}
