package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/workhub/portal-realtime/internal/adapters/primary/websocket"
	"github.com/workhub/portal-realtime/internal/auth"
	"github.com/workhub/portal-realtime/internal/config"
	"github.com/workhub/portal-realtime/internal/core/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:         "127.0.0.1:0",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			IdleTimeout:  time.Second,
		},
		WebSocket: config.WebSocketConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
		App:     config.AppConfig{Name: "portal-realtime", Version: "test", Environment: "development"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// no broker URL: single-instance mode with the noop bus
	srv := New(ctx, testConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	return srv
}

func registerConn(t *testing.T, srv *Server) *ws.Conn {
	t.Helper()

	hub := srv.Hub()
	before := hub.ConnCount()
	conn := ws.NewConn(hub, nil, auth.NewIdentityVerifier(""), ws.Tuning{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.Register <- conn

	require.Eventually(t, func() bool {
		return hub.ConnCount() == before+1
	}, time.Second, 5*time.Millisecond)
	return conn
}

func recv(t *testing.T, conn *ws.Conn) domain.Event {
	t.Helper()
	select {
	case event := <-conn.Send:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestServer_StartIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	first := srv.httpSrv
	require.NotNil(t, first)

	// second start must not create a second listener
	require.NoError(t, srv.Start(context.Background()))
	assert.Same(t, first, srv.httpSrv)
}

func TestServer_SingleInstanceDelivery(t *testing.T) {
	srv := newTestServer(t)
	conn := registerConn(t, srv)

	// no broker configured; the in-process path alone delivers
	srv.Emitter().Emit(domain.EventHRRequestUpdate, domain.TargetAll, map[string]any{"requestId": "hr-9"})

	event := recv(t, conn)
	assert.Equal(t, domain.EventHRRequestUpdate, event.Kind)
	assert.Equal(t, srv.Origin(), event.Origin)
}

func TestServer_RelayBrokerMessage(t *testing.T) {
	srv := newTestServer(t)
	conn := registerConn(t, srv)
	srv.Hub().Authenticate(conn, "u42")

	remote := domain.Event{
		Kind:      domain.EventNotificationNew,
		Target:    "u42",
		Payload:   map[string]any{"title": "x"},
		Timestamp: time.Now().UnixMilli(),
		Origin:    "another-instance",
	}
	body, err := json.Marshal(remote)
	require.NoError(t, err)

	srv.relayBrokerMessage(body)

	event := recv(t, conn)
	assert.Equal(t, domain.EventNotificationNew, event.Kind)
	assert.Equal(t, remote.Timestamp, event.Timestamp)
}

func TestServer_RelaySkipsOwnOrigin(t *testing.T) {
	srv := newTestServer(t)
	conn := registerConn(t, srv)

	echo := domain.Event{
		Kind:      domain.EventPollVoted,
		Target:    domain.TargetAll,
		Timestamp: time.Now().UnixMilli(),
		Origin:    srv.Origin(),
	}
	body, err := json.Marshal(echo)
	require.NoError(t, err)

	srv.relayBrokerMessage(body)

	select {
	case event := <-conn.Send:
		t.Fatalf("own broker echo must not be re-delivered, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_RelaySurvivesMalformedMessages(t *testing.T) {
	srv := newTestServer(t)
	conn := registerConn(t, srv)

	// malformed JSON is dropped without tearing anything down
	srv.relayBrokerMessage([]byte("{not json"))

	// events with unknown kinds or no target are dropped too
	srv.relayBrokerMessage([]byte(`{"type":"bogus:kind","target":"all"}`))
	srv.relayBrokerMessage([]byte(`{"type":"news:published","target":""}`))

	// a subsequent valid message is still delivered
	valid := domain.Event{
		Kind:      domain.EventNewsPublished,
		Target:    domain.TargetAll,
		Timestamp: time.Now().UnixMilli(),
		Origin:    "another-instance",
	}
	body, err := json.Marshal(valid)
	require.NoError(t, err)

	srv.relayBrokerMessage(body)

	event := recv(t, conn)
	assert.Equal(t, domain.EventNewsPublished, event.Kind)
}
