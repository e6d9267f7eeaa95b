package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	wsAdapter "github.com/workhub/portal-realtime/internal/adapters/primary/websocket"
	"github.com/workhub/portal-realtime/internal/auth"
	"github.com/workhub/portal-realtime/internal/config"
)

// WebSocketHandler upgrades portal clients onto the gateway. Connections
// start anonymous; authentication happens post-connect via the auth
// handshake handled by the connection itself.
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	verifier *auth.IdentityVerifier
	tuning   wsAdapter.Tuning
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	verifier *auth.IdentityVerifier,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:      hub,
		verifier: verifier,
		tuning: wsAdapter.Tuning{
			PingInterval:      cfg.WebSocket.PingInterval,
			PongWait:          cfg.WebSocket.PongWait,
			MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
			MessageBurst:      cfg.RateLimit.MessageBurst,
		},
		logger: logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		// Check against allowed origins
		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			allowedHost := allowed
			if parsed, err := url.Parse(allowed); err == nil && parsed.Host != "" {
				allowedHost = parsed.Host
			}

			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowedHost, "*.") {
				suffix := allowedHost[1:] // Remove the "*", keep ".example.com"
				if strings.HasSuffix(originHost, suffix) || originHost == allowedHost[2:] {
					return true
				}
			} else if originHost == allowedHost {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	client := wsAdapter.NewConn(h.hub, conn, h.verifier, h.tuning, h.logger)

	h.logger.Info("websocket connection established",
		"socket_id", client.SocketID,
		"remote_addr", r.RemoteAddr,
	)

	client.Hub.Register <- client

	// Start the I/O pumps in new goroutines
	go client.WritePump()
	go client.ReadPump()
}
