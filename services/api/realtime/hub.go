package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
)

var (
	ErrMaxConnectionsReached = errors.New("maximum connections reached")
	ErrHubClosed             = errors.New("hub closed")
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options tunes a Hub. Zero values fall back to defaults.
type Options struct {
	MaxConnections int
	QueueSize      int
	WriteTimeout   time.Duration
}

const (
	defaultMaxConnections = 1000
	defaultQueueSize      = 16
	defaultWriteTimeout   = 10 * time.Second
)

type client struct {
	id          string
	conn        Conn
	send        chan []byte
	connectedAt time.Time
}

// Hub is the registry of connected WebSocket clients. Each client has a
// buffered outbound queue drained by its own writer goroutine; a client whose
// queue is full or whose write fails is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup

	opts    Options
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		opts:    opts,
		metrics: metrics,
		logger:  logger,
	}
}

// Add registers conn and starts its writer. It returns the connection id.
func (h *Hub) Add(conn Conn) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", ErrHubClosed
	}
	if len(h.clients) >= h.opts.MaxConnections {
		return "", ErrMaxConnectionsReached
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, h.opts.QueueSize),
		connectedAt: time.Now(),
	}
	h.clients[c.id] = c
	h.setGauge()

	h.wg.Add(1)
	go h.writeLoop(c)

	h.logger.Debug("websocket client connected", "connection_id", c.id, "clients", len(h.clients))
	return c.id, nil
}

// Remove unregisters a client and closes its connection. It reports whether
// the id was registered.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
		h.setGauge()
	}
	h.mu.Unlock()

	if ok {
		_ = c.conn.Close()
		h.logger.Debug("websocket client disconnected", "connection_id", id)
	}
	return ok
}

// Broadcast queues msg for every client and returns how many accepted it.
// Clients whose queue is full are dropped.
func (h *Hub) Broadcast(msg []byte) int {
	var delivered int
	var slow []string

	h.mu.RLock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
			delivered++
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.logger.Warn("dropping slow websocket client", "connection_id", id)
		h.Remove(id)
	}
	return delivered
}

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type string `json:"tipo"`
	Data any    `json:"datos"`
}

// BroadcastJSON wraps data in an Envelope and broadcasts it.
func (h *Hub) BroadcastJSON(kind string, data any) (int, error) {
	msg, err := json.Marshal(Envelope{Type: kind, Data: data})
	if err != nil {
		return 0, fmt.Errorf("encode %s message: %w", kind, err)
	}
	return h.Broadcast(msg), nil
}

// ZoneSynced broadcasts each finished zone sync to connected clients.
func (h *Hub) ZoneSynced(_ context.Context, result ingest.ZoneResult) {
	if _, err := h.BroadcastJSON("sync_zona", result); err != nil {
		h.logger.Error("broadcast zone sync", "zone_id", result.ZoneID, "error", err)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their writers to exit.
// Add fails afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Remove(id)
	}
	h.wg.Wait()
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Info("websocket write failed", "connection_id", c.id, "error", err)
			h.Remove(c.id)
			return
		}
	}
}

// caller holds h.mu
func (h *Hub) setGauge() {
	if h.metrics != nil {
		h.metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}
