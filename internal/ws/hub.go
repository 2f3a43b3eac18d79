package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/room"
)

// TokenCookie carries the room token issued by the REST join endpoint
const TokenCookie = "coderoom_token"

// Config tunes the socket transport
type Config struct {
	JoinTimeout       time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

// Hub tracks the open sockets by room. Room state and fan-out live in the
// room manager; the hub only knows which connections exist.
type Hub struct {
	rooms   *room.Manager
	cfg     Config
	logger  zerolog.Logger
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// closed when Run returns
	stopped chan struct{}

	mu sync.RWMutex
}

func NewHub(rooms *room.Manager, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = messagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = messageBurst
	}
	return &Hub{
		rooms:      rooms,
		cfg:        cfg,
		logger:     logger.With().Str("component", "ws").Logger(),
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.code]; !ok {
				h.clients[client.code] = make(map[*Client]bool)
			}
			h.clients[client.code][client] = true
			count := len(h.clients[client.code])
			h.mu.Unlock()

			metrics.SocketConnections.Inc()
			h.logger.Debug().Str("room", client.code).Int("sockets", count).Msg("socket opened")

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.code]; ok && clients[client] {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.clients, client.code)
				}
				metrics.SocketConnections.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug().Str("room", client.code).Msg("socket closed")

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// closeAll releases every socket on shutdown
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		metrics.SocketConnections.Sub(float64(len(clients)))
		delete(h.clients, code)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
