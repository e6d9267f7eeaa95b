package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// ConnCounter reports the number of currently connected clients.
type ConnCounter interface {
	ConnCount() int
}

// HealthHandler serves the gateway liveness probe. The endpoint is
// unauthenticated and never gates on broker availability: a gateway without
// a broker is still healthy, just single-instance.
type HealthHandler struct {
	conns     ConnCounter
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(conns ConnCounter, version string) *HealthHandler {
	return &HealthHandler{
		conns:     conns,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      int64  `json:"uptime"`
	Version     string `json:"version,omitempty"`
}

// HandleHealth reports liveness, current connection count and process
// uptime in seconds.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:      "ok",
		Connections: h.conns.ConnCount(),
		Uptime:      int64(time.Since(h.startTime).Seconds()),
		Version:     h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
