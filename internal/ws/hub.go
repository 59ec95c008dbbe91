package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/internal/store"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	idleTimeout = 2 * time.Minute
	sendBuffer  = 256
)

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	cache      *store.Cache
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.RWMutex
	topics     map[string]bool
	lastActive atomic.Int64
}

// Message is the envelope written to websocket clients. Topic is the event
// name and Data its payload unchanged.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Envelope types
const (
	TypeUpdate   = "update"
	TypeSnapshot = "snapshot"
)

type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// NewHub builds a hub accepting browser connections from allowedOrigins.
// Requests without an Origin header are always accepted.
func NewHub(cache *store.Cache, allowedOrigins []string, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.listen(ctx)
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(ctx, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			snapshot := h.snapshot(ctx, client)
			h.mu.Lock()
			h.clients[client] = true
			// queued before any broadcast can reach the client
			for _, msg := range snapshot {
				client.send <- msg
			}
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "client", client.id, "topics", client.topicList())

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(ctx, client)
			h.mu.Unlock()
			h.logger.Debugw("Client unregistered", "client", client.id)
		}
	}
}

// removeLocked drops a client once. Must hold h.mu.
func (h *Hub) removeLocked(ctx context.Context, client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.DecrementConnections(ctx)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) listen(ctx context.Context) {
	err := h.cache.Listen(ctx, store.AllEventChannels(), func(channel, payload string) {
		h.Broadcast(store.EventFromChannel(channel), json.RawMessage(payload))
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warnw("Event subscription ended; WebSocket updates stopped", "error", err)
	}
}

// snapshot encodes the cached state events so a new client does not wait
// for the next change to render.
func (h *Hub) snapshot(ctx context.Context, client *Client) [][]byte {
	events, err := latest(ctx, h.cache, client.topicList())
	if err != nil {
		h.logger.Warnw("Failed to load cached events for replay", "client", client.id, "error", err)
	}
	var out [][]byte
	for _, ev := range events {
		msg, err := envelope(TypeSnapshot, ev.event, ev.payload)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Broadcast delivers one event to every client subscribed to it. Clients
// whose buffers are full are disconnected.
func (h *Hub) Broadcast(event string, payload json.RawMessage) {
	msg, err := envelope(TypeUpdate, event, payload)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.logger.Warnw("Dropping slow WebSocket client", "client", client.id)
			h.removeLocked(context.Background(), client)
		}
	}
}

func envelope(kind, event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(Message{
		Type:      kind,
		Topic:     event,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(ctx)
		}
	}
}

func (h *Hub) cleanupInactiveClients(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout).UnixNano()
	for client := range h.clients {
		if client.lastActive.Load() < cutoff {
			h.removeLocked(ctx, client)
			h.logger.Debugw("Cleaned up inactive client", "client", client.id)
		}
	}
}

// HandleWebSocket upgrades the request. The optional events query parameter
// narrows the initial subscription; the default is every event.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}
	for _, e := range ParseEvents(r.URL.Query().Get("events")) {
		client.topics[e] = true
	}
	client.touch()

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("WebSocket error", "client", c.id, "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

// writePump sends one frame per message so every frame is a single JSON
// document.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "client", c.id, "error", err)
		return
	}

	switch sub.Type {
	case "subscribe":
		c.mu.Lock()
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		c.mu.Unlock()
		c.hub.logger.Debugw("Client subscribed to topics", "client", c.id, "topics", sub.Topics)

	case "unsubscribe":
		c.mu.Lock()
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		c.mu.Unlock()
		c.hub.logger.Debugw("Client unsubscribed from topics", "client", c.id, "topics", sub.Topics)
	}
}

func (c *Client) isSubscribed(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[event]
}

func (c *Client) topicList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, e := range ParseEvents("") {
		if c.topics[e] {
			out = append(out, e)
		}
	}
	return out
}
