package websocket_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/workhub/portal-realtime/internal/adapters/primary/websocket"
	"github.com/workhub/portal-realtime/internal/auth"
	"github.com/workhub/portal-realtime/internal/core/domain"
)

func newTestHub(t *testing.T) *ws.Hub {
	t.Helper()
	hub := ws.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	go hub.Run()
	return hub
}

// newTestConn creates a registered connection without a live websocket; hub
// routing only touches the send channel.
func newTestConn(t *testing.T, hub *ws.Hub) *ws.Conn {
	t.Helper()
	before := hub.ConnCount()
	conn := ws.NewConn(hub, nil, auth.NewIdentityVerifier(""), ws.Tuning{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.Register <- conn

	require.Eventually(t, func() bool {
		return hub.ConnCount() == before+1
	}, time.Second, 5*time.Millisecond)
	return conn
}

func recvEvent(t *testing.T, conn *ws.Conn) domain.Event {
	t.Helper()
	select {
	case event := <-conn.Send:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func assertNoEvent(t *testing.T, conn *ws.Conn) {
	t.Helper()
	select {
	case event := <-conn.Send:
		t.Fatalf("unexpected event delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_RelayAll(t *testing.T) {
	hub := newTestHub(t)

	// 2 authenticated, 1 anonymous
	alice := newTestConn(t, hub)
	bob := newTestConn(t, hub)
	anon := newTestConn(t, hub)

	hub.Authenticate(alice, "u1")
	hub.Authenticate(bob, "u2")

	event := domain.Event{
		Kind:      domain.EventReservationUpdate,
		Target:    domain.TargetAll,
		Payload:   map[string]any{"id": "r1"},
		Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, hub.Broadcast(event))

	for _, conn := range []*ws.Conn{alice, bob, anon} {
		got := recvEvent(t, conn)
		assert.Equal(t, domain.EventReservationUpdate, got.Kind)
		assert.Equal(t, event.Timestamp, got.Timestamp, "timestamp must not be rewritten in relay")
	}

	// exactly one copy each
	assertNoEvent(t, alice)
	assertNoEvent(t, bob)
	assertNoEvent(t, anon)
}

func TestHub_RelayTargeted(t *testing.T) {
	hub := newTestHub(t)

	target := newTestConn(t, hub)
	other := newTestConn(t, hub)
	anon := newTestConn(t, hub)

	hub.Authenticate(target, "u42")
	hub.Authenticate(other, "u43")

	event := domain.Event{
		Kind:      domain.EventNotificationNew,
		Target:    "u42",
		Payload:   map[string]any{"title": "x"},
		Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, hub.Broadcast(event))

	got := recvEvent(t, target)
	assert.Equal(t, domain.EventNotificationNew, got.Kind)

	assertNoEvent(t, other)
	assertNoEvent(t, anon)
}

func TestHub_RelayTargeted_NoRoom(t *testing.T) {
	hub := newTestHub(t)
	anon := newTestConn(t, hub)

	require.NoError(t, hub.Broadcast(domain.Event{
		Kind:   domain.EventPointsUpdated,
		Target: "u99",
	}))

	assertNoEvent(t, anon)
}

func TestHub_Authenticate(t *testing.T) {
	t.Run("joins the user room", func(t *testing.T) {
		hub := newTestHub(t)
		conn := newTestConn(t, hub)

		hub.Authenticate(conn, "u1")

		assert.Equal(t, "u1", conn.UserID())
		assert.True(t, hub.IsUserConnected("u1"))
		assert.Equal(t, 1, hub.RoomCount())
	})

	t.Run("re-auth with a different id moves rooms", func(t *testing.T) {
		hub := newTestHub(t)
		conn := newTestConn(t, hub)

		hub.Authenticate(conn, "u1")
		hub.Authenticate(conn, "u2")

		assert.Equal(t, "u2", conn.UserID())
		assert.False(t, hub.IsUserConnected("u1"))
		assert.True(t, hub.IsUserConnected("u2"))
		assert.Equal(t, 1, hub.RoomCount(), "connection belongs to at most one room")
	})

	t.Run("re-auth with the same id is a no-op", func(t *testing.T) {
		hub := newTestHub(t)
		conn := newTestConn(t, hub)

		hub.Authenticate(conn, "u1")
		hub.Authenticate(conn, "u1")

		assert.Equal(t, "u1", conn.UserID())
		assert.Equal(t, 1, hub.RoomCount())
	})

	t.Run("unknown connection is ignored", func(t *testing.T) {
		hub := newTestHub(t)
		stray := ws.NewConn(hub, nil, auth.NewIdentityVerifier(""), ws.Tuning{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

		hub.Authenticate(stray, "u1")

		assert.False(t, hub.IsUserConnected("u1"))
	})
}

func TestHub_Unregister(t *testing.T) {
	hub := newTestHub(t)

	conn := newTestConn(t, hub)
	hub.Authenticate(conn, "u1")

	hub.Unregister <- conn

	require.Eventually(t, func() bool {
		return hub.ConnCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, hub.IsUserConnected("u1"))
	assert.Equal(t, 0, hub.RoomCount())

	// the send channel is closed so the write pump can shut down
	_, open := <-conn.Send
	assert.False(t, open)
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	hub := newTestHub(t)

	tab1 := newTestConn(t, hub)
	tab2 := newTestConn(t, hub)
	hub.Authenticate(tab1, "u1")
	hub.Authenticate(tab2, "u1")

	require.NoError(t, hub.Broadcast(domain.Event{
		Kind:   domain.EventMessageNew,
		Target: "u1",
	}))

	recvEvent(t, tab1)
	recvEvent(t, tab2)
	assert.Equal(t, 1, hub.RoomCount())
}
