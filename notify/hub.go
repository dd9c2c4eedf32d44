package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	clientQueueSize   = 256
)

// HubOptions configures a Hub.
type HubOptions struct {
	Logger *slog.Logger
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
	// MessagesPerSecond paces writes to each client; zero disables pacing.
	MessagesPerSecond float64
	Burst             int
}

// Hub broadcasts messages to connected websocket clients.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter
	once    sync.Once
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger,
		limit:   rate.Inf,
		burst:   opts.Burst,
		clients: make(map[*hubClient]struct{}),
	}
	if opts.MessagesPerSecond > 0 {
		h.limit = rate.Limit(opts.MessagesPerSecond)
		if h.burst <= 0 {
			h.burst = 1
		}
	}
	allowed := opts.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeHTTP upgrades the request to a websocket and streams messages until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("notification websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		conn:    conn,
		send:    make(chan Message, clientQueueSize),
		limiter: rate.NewLimiter(h.limit, h.burst),
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("notification client connected", "remote", r.RemoteAddr)

	go h.readLoop(c)
	h.writeLoop(c)
}

// Broadcast queues msg for every client. Clients whose queue is full are
// disconnected.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	var slow []*hubClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("notification client too slow, disconnecting")
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// readLoop discards client input and detects disconnects.
func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	for msg := range c.send {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("notification write failed", "error", err)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
