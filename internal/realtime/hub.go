// Package realtime pushes security dashboard snapshots and incident alerts
// to connected WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"realguard/internal/securelog"
)

// MessageType tags outbound hub messages.
type MessageType string

const (
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeAlert    MessageType = "alert"
)

// Message is the wire envelope pushed to clients.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Alert is a pushed incident or violation notification.
type Alert struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// SnapshotFunc produces the dashboard payload broadcast on each tick.
type SnapshotFunc func() any

const redisChannel = "security:realtime"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the edge proxy.
		return true
	},
}

// Hub maintains the set of active connections and fans out snapshots and
// alerts. A redis connection, when present, relays alerts across instances.
type Hub struct {
	logger   *securelog.SecureLogger
	snapshot SnapshotFunc
	interval time.Duration
	redis    *redis.Client

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithRedis enables cross-instance alert relay over pub/sub.
func WithRedis(rdb *redis.Client) Option {
	return func(h *Hub) { h.redis = rdb }
}

// NewHub builds a hub broadcasting snapshot() every interval.
func NewHub(logger *securelog.SecureLogger, snapshot SnapshotFunc, interval time.Duration, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		snapshot:   snapshot,
		interval:   interval,
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if h.redis != nil {
		go h.relayFromRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", map[string]any{"client_id": c.id})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", map[string]any{"client_id": c.id})

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-ticker.C:
			if h.snapshot == nil {
				continue
			}
			h.push(Message{
				Type:      MessageTypeSnapshot,
				Payload:   h.snapshot(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// PushAlert broadcasts an alert to local clients and, when redis is wired,
// to the other instances.
func (h *Hub) PushAlert(alert Alert) {
	msg := Message{
		Type:      MessageTypeAlert,
		Payload:   alert,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case h.broadcast <- data:
	default:
	}

	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), redisChannel, data).Err(); err != nil {
			h.logger.Warning("failed to relay alert to redis", map[string]any{"error": err.Error()})
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades a dashboard connection and starts its pumps.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to upgrade connection"})
		return
	}

	cl := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// drop hands a client back to the hub loop, or discards it when the hub has
// already shut down. Pump goroutines must never block on a stopped hub.
func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) push(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.fanOut(data)
}

func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) relayFromRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			default:
			}
		}
	}
}

// client is one WebSocket connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

const (
	readLimit    = 512
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// readPump discards client input but keeps the read side alive for pings
// and close frames.
func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
