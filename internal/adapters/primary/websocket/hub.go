package websocket

import (
	"log/slog"
	"sync"

	"github.com/workhub/portal-realtime/internal/core/domain"
	"github.com/workhub/portal-realtime/internal/core/ports"
	"github.com/workhub/portal-realtime/internal/infrastructure/metrics"
)

// Hub maintains the set of active Conns and relays events into per-user rooms.
type Hub struct {
	// conns holds every active connection regardless of auth state
	conns map[*Conn]bool

	// users maps user IDs to their authenticated connections.
	// A single user can have multiple connections (multiple tabs/devices);
	// each connection belongs to at most one user room.
	users map[string]map[*Conn]bool

	// Broadcast channel for events
	broadcast chan domain.Event

	// Register requests from connections
	Register chan *Conn

	// Unregister requests from connections
	Unregister chan *Conn

	// mu protects the conns and users maps
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Hub{
		conns:      make(map[*Conn]bool),
		users:      make(map[string]map[*Conn]bool),
		broadcast:  make(chan domain.Event, 256),
		Register:   make(chan *Conn),
		Unregister: make(chan *Conn),
		metrics:    m,
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Broadcast queues an event for relay to matching rooms. The send is
// non-blocking so a busy hub never stalls an emitting mutation.
func (h *Hub) Broadcast(event domain.Event) error {
	select {
	case h.broadcast <- event:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"kind", string(event.Kind),
			"target", event.Target,
		)
		h.metrics.EventsDropped.Inc()
		return nil
	}
}

// Run starts the hub's event loop. This MUST be run as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.registerConn(conn)

		case conn := <-h.Unregister:
			h.unregisterConn(conn)

		case event := <-h.broadcast:
			h.relayEvent(event)
		}
	}
}

// registerConn adds a connection to the hub in the anonymous state
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.Connections.Set(float64(total))
	h.logger.Info("connection registered",
		"socket_id", conn.SocketID,
		"total_connections", total,
	)
}

// unregisterConn removes a connection from the hub and its user room
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()

	if _, ok := h.conns[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn)
	h.removeFromRoomLocked(conn)
	total := len(h.conns)

	h.mu.Unlock()

	// Safely close the send channel
	conn.CloseSend()

	h.metrics.Connections.Set(float64(total))
	h.logger.Info("connection unregistered",
		"socket_id", conn.SocketID,
		"user_id", conn.UserID(),
		"total_connections", total,
	)
}

// Authenticate joins a connection to room user:{userID}. Re-authenticating
// with a different ID moves the connection to the new room; repeating the
// same ID is a no-op.
func (h *Hub) Authenticate(conn *Conn, userID string) {
	h.mu.Lock()

	if _, ok := h.conns[conn]; !ok {
		h.mu.Unlock()
		return
	}

	previous := conn.UserID()
	if previous == userID {
		h.mu.Unlock()
		return
	}

	h.removeFromRoomLocked(conn)

	if h.users[userID] == nil {
		h.users[userID] = make(map[*Conn]bool)
	}
	h.users[userID][conn] = true
	conn.setUserID(userID)

	h.mu.Unlock()

	h.logger.Info("connection authenticated",
		"socket_id", conn.SocketID,
		"user_id", userID,
		"previous_user_id", previous,
	)
}

// removeFromRoomLocked drops the connection from its current user room.
// Callers must hold h.mu.
func (h *Hub) removeFromRoomLocked(conn *Conn) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	if room, ok := h.users[userID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.users, userID)
		}
	}
	conn.setUserID("")
}

// relayEvent delivers an event to every connection in its target room, or to
// every connection for an "all" target.
func (h *Hub) relayEvent(event domain.Event) {
	h.mu.RLock()

	var conns []*Conn
	if event.Broadcast() {
		conns = make([]*Conn, 0, len(h.conns))
		for conn := range h.conns {
			conns = append(conns, conn)
		}
	} else {
		room, ok := h.users[event.Target]
		if !ok {
			h.mu.RUnlock()
			return
		}
		conns = make([]*Conn, 0, len(room))
		for conn := range room {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	h.logger.Debug("relaying event",
		"kind", string(event.Kind),
		"target", event.Target,
		"conn_count", len(conns),
	)
	h.metrics.EventsRelayed.WithLabelValues(string(event.Kind)).Inc()

	for _, conn := range conns {
		select {
		case conn.Send <- event:
			// Successfully queued
		default:
			// Connection's send buffer is full, unregister it. Done
			// inline: the Run loop is the only Unregister reader, so a
			// channel send from here would block it.
			h.logger.Warn("connection send buffer full, unregistering",
				"socket_id", conn.SocketID,
				"user_id", conn.UserID(),
			)
			h.metrics.EventsDropped.Inc()
			h.unregisterConn(conn)
		}
	}
}

// ConnCount returns the total number of connections
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomCount returns the number of user rooms with at least one connection
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// IsUserConnected checks if a user has any authenticated connections
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.users[userID]
	return ok && len(room) > 0
}
