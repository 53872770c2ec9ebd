// Package broadcast pushes timeout notifications to connected websocket
// clients. The hub is a best-effort fan-out: delivery failures disconnect the
// offending client and never affect the other recipients or the caller.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/jsoncodec"
	"github.com/campusgrid/orderpulse/internal/logging"
)

// Frame is the wire shape of every pushed notification.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame types understood by clients.
const (
	FrameTimeoutWarning   = "timeout_warning"
	FrameTimeoutAlert     = "timeout_alert"
	FrameSystemAlert      = "system_alert"
	FrameRecommendations  = "order_recommendations"
	FrameStatisticsUpdate = "statistics_update"
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Upgrader is the default HTTP-to-websocket upgrader for hub endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn   Conn
	userID string
	admin  bool

	// writeMu serializes writes; gorilla/websocket connections do not
	// support concurrent WriteMessage calls.
	writeMu sync.Mutex
}

// Hub tracks connected clients and serializes each broadcast exactly once.
type Hub struct {
	mu      sync.RWMutex
	clients map[Conn]*client
	byUser  map[string]map[Conn]struct{}
	admins  map[Conn]struct{}
	logger  logging.ServiceLogger
	clock   func() time.Time

	sent    *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewHub returns an empty hub.
func NewHub(logger logging.ServiceLogger, registerer prometheus.Registerer) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "broadcast",
		Name:      "frames_sent_total",
		Help:      "Frames delivered to websocket clients per frame type",
	}, []string{"type"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "broadcast",
		Name:      "clients_dropped_total",
		Help:      "Clients disconnected after a failed write",
	})
	for _, c := range []prometheus.Collector{sent, dropped} {
		if err := registerer.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					sent = existing
				case prometheus.Counter:
					dropped = existing
				}
			}
		}
	}

	return &Hub{
		clients: make(map[Conn]*client),
		byUser:  make(map[string]map[Conn]struct{}),
		admins:  make(map[Conn]struct{}),
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
		sent:    sent,
		dropped: dropped,
	}
}

// RegisterUser attaches a user connection. Registering the same connection
// again is a no-op; a user may hold several connections at once.
func (h *Hub) RegisterUser(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		return
	}
	h.clients[conn] = &client{conn: conn, userID: userID}
	conns, ok := h.byUser[userID]
	if !ok {
		conns = make(map[Conn]struct{})
		h.byUser[userID] = conns
	}
	conns[conn] = struct{}{}
	h.logger.Debug("websocket client registered", logging.LogFields{"user_id": userID, "connections": len(conns)})
}

// RegisterAdmin attaches an admin connection. Admins receive system alerts in
// addition to their own user notifications.
func (h *Hub) RegisterAdmin(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[conn]; ok {
		c.admin = true
		h.admins[conn] = struct{}{}
		return
	}
	h.clients[conn] = &client{conn: conn, userID: userID, admin: true}
	h.admins[conn] = struct{}{}
	conns, ok := h.byUser[userID]
	if !ok {
		conns = make(map[Conn]struct{})
		h.byUser[userID] = conns
	}
	conns[conn] = struct{}{}
	h.logger.Debug("websocket admin registered", logging.LogFields{"user_id": userID})
}

// Unregister detaches a connection. Unknown connections are ignored.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn Conn) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	delete(h.admins, conn)
	if conns, ok := h.byUser[c.userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// ConnectionCount reports the number of attached connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastUser sends one frame to every connection of userID.
func (h *Hub) BroadcastUser(userID, frameType string, data any) {
	payload, err := h.encode(frameType, data)
	if err != nil {
		h.logger.Error("encoding broadcast frame", err, logging.LogFields{"type": frameType})
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.byUser[userID]))
	for conn := range h.byUser[userID] {
		if c, ok := h.clients[conn]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, frameType, payload)
}

// BroadcastSystem sends one frame to every admin connection.
func (h *Hub) BroadcastSystem(frameType string, data any) {
	payload, err := h.encode(frameType, data)
	if err != nil {
		h.logger.Error("encoding broadcast frame", err, logging.LogFields{"type": frameType})
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.admins))
	for conn := range h.admins {
		if c, ok := h.clients[conn]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, frameType, payload)
}

// BroadcastRecommendations pushes alternative-order suggestions to one user
// after their order timed out.
func (h *Hub) BroadcastRecommendations(userID string, recommendations any) {
	h.BroadcastUser(userID, FrameRecommendations, recommendations)
}

func (h *Hub) encode(frameType string, data any) ([]byte, error) {
	return jsoncodec.Marshal(Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: h.clock(),
	})
}

// deliver writes the pre-serialized payload to each target. A failed write
// drops only the failing connection.
func (h *Hub) deliver(targets []*client, frameType string, payload []byte) {
	for _, c := range targets {
		if err := h.writeOne(c, payload); err != nil {
			h.logger.Debug("dropping websocket client after failed write", logging.LogFields{"type": frameType, "error": err})
			h.dropped.Inc()
			h.mu.Lock()
			h.removeLocked(c.conn)
			h.mu.Unlock()
			_ = c.conn.Close()
			continue
		}
		h.sent.WithLabelValues(frameType).Inc()
	}
}

func (h *Hub) writeOne(c *client, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
