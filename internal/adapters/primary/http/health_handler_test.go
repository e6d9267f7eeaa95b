package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpAdapter "github.com/workhub/portal-realtime/internal/adapters/primary/http"
)

type stubConnCounter int

func (s stubConnCounter) ConnCount() int { return int(s) }

func TestHealthHandler(t *testing.T) {
	handler := httpAdapter.NewHealthHandler(stubConnCounter(3), "1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      int64  `json:"uptime"`
		Version     string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Connections)
	assert.GreaterOrEqual(t, body.Uptime, int64(0))
	assert.Equal(t, "1.2.3", body.Version)
}
