package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workhub/portal-realtime/internal/auth"
	"github.com/workhub/portal-realtime/internal/core/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 54 * time.Second
)

// Tuning holds the per-connection heartbeat and rate settings.
type Tuning struct {
	PingInterval      time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

func (t Tuning) withDefaults() Tuning {
	if t.PingInterval <= 0 {
		t.PingInterval = defaultPingInterval
	}
	if t.PongWait <= 0 {
		t.PongWait = defaultPongWait
	}
	if t.MessagesPerSecond <= 0 {
		t.MessagesPerSecond = 20
	}
	if t.MessageBurst <= 0 {
		t.MessageBurst = 40
	}
	return t
}

// Conn is a middleman between a websocket connection and the hub. It starts
// anonymous and joins a user room once the client sends its auth handshake.
type Conn struct {
	Hub *Hub

	// The websocket connection.
	ws *websocket.Conn

	// Buffered channel of outbound events.
	Send chan domain.Event

	// SocketID is an opaque per-connection identifier.
	SocketID string

	// userID is empty until the auth handshake succeeds.
	userID string

	verifier *auth.IdentityVerifier
	tuning   Tuning

	// limiter caps the inbound message rate per connection.
	limiter *rate.Limiter

	// closeOnce ensures the Send channel is only closed once
	closeOnce sync.Once

	// mu protects userID
	mu sync.RWMutex

	logger *slog.Logger
}

// NewConn creates a connection in the anonymous state.
func NewConn(hub *Hub, ws *websocket.Conn, verifier *auth.IdentityVerifier, tuning Tuning, logger *slog.Logger) *Conn {
	socketID := uuid.NewString()
	tuning = tuning.withDefaults()

	return &Conn{
		Hub:      hub,
		ws:       ws,
		Send:     make(chan domain.Event, 256),
		SocketID: socketID,
		verifier: verifier,
		tuning:   tuning,
		limiter:  rate.NewLimiter(rate.Limit(tuning.MessagesPerSecond), tuning.MessageBurst),
		logger:   logger.With("socket_id", socketID),
	}
}

// CloseSend safely closes the Send channel exactly once
func (c *Conn) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// UserID returns the authenticated user ID, or "" while anonymous.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// setUserID is called by the hub under its own lock while moving the
// connection between rooms.
func (c *Conn) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// ReadPump pumps messages from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Conn) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.tuning.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.tuning.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			} else {
				c.logger.Info("connection closed", "reason", err.Error())
			}
			break
		}

		if !c.limiter.Allow() {
			c.logger.Warn("inbound message rate exceeded, dropping message")
			continue
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump pumps events from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.tuning.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.writeJSON(event); err != nil {
				c.logger.Error("failed to write event", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// writeJSON writes an event to the websocket connection
func (c *Conn) writeJSON(event domain.Event) error {
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(event); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}

// --- Incoming Message Handling ---

// ClientMessage is the structure for messages sent from the client.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleIncomingMessage processes messages received from the client
func (c *Conn) handleIncomingMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		return
	}

	switch msg.Type {
	case "auth":
		c.handleAuth(msg.Payload)

	case "ping":
		// Client-side keep-alive, protocol ping/pong handles the rest
		c.sendPong()

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
	}
}

// handleAuth processes the post-connect auth handshake. An invalid payload
// is ignored and the connection stays anonymous, receiving only
// "all"-targeted events. No acknowledgment is sent; success is implicit.
func (c *Conn) handleAuth(payload json.RawMessage) {
	var identity string
	if err := json.Unmarshal(payload, &identity); err != nil {
		c.logger.Debug("ignoring auth with non-string payload", "error", err)
		return
	}

	userID, err := c.verifier.Verify(identity)
	if err != nil {
		c.logger.Debug("ignoring invalid auth payload", "error", err)
		return
	}

	c.Hub.Authenticate(c, userID)
}

func (c *Conn) sendPong() {
	select {
	case c.Send <- domain.Event{Kind: "pong", Target: c.SocketID}:
	default:
		// Channel full, skip pong response
	}
}
