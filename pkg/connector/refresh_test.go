package connector_test

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhub/portal-realtime/pkg/connector"
)

func newRefreshFixture(t *testing.T) (*fakeDialer, *connector.Manager) {
	t.Helper()

	dialer := &fakeDialer{}
	m := connector.New(connector.Options{
		URL:               "ws://gateway.test/socket",
		Dialer:            dialer,
		InitialRetryDelay: 10 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)
	return dialer, m
}

func TestRefreshCoordinator_CollapsesBursts(t *testing.T) {
	dialer, m := newRefreshFixture(t)

	var refreshes atomic.Int32
	path := "/news"

	coordinator := connector.NewRefreshCoordinator(m, connector.RefreshOptions{
		Path:     func() string { return path },
		Interval: 50 * time.Millisecond,
		Refresh:  func() { refreshes.Add(1) },
	})

	coordinator.Start()
	defer coordinator.Stop()
	waitConnected(t, m)

	// a burst of 5 qualifying events inside the debounce window
	transport := dialer.latest()
	for i := int64(1); i <= 5; i++ {
		transport.push(t, connector.Event{
			Kind:      connector.KindNewsPublished,
			Target:    connector.TargetAll,
			Timestamp: i,
		})
	}

	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// no trailing extras
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load(), "burst collapses to a single refresh")
}

func TestRefreshCoordinator_ListensToEveryKind(t *testing.T) {
	dialer, m := newRefreshFixture(t)

	var refreshes atomic.Int32
	coordinator := connector.NewRefreshCoordinator(m, connector.RefreshOptions{
		Path:     func() string { return "/home" },
		Interval: 20 * time.Millisecond,
		Refresh:  func() { refreshes.Add(1) },
	})

	coordinator.Start()
	defer coordinator.Stop()
	waitConnected(t, m)

	transport := dialer.latest()
	var ts int64
	for _, kind := range connector.Kinds() {
		ts++
		transport.push(t, connector.Event{Kind: kind, Target: connector.TargetAll, Timestamp: ts})

		require.Eventually(t, func() bool {
			return refreshes.Load() == int32(ts)
		}, time.Second, 5*time.Millisecond, "kind %s should qualify", kind)
	}
}

func TestRefreshCoordinator_PathFilter(t *testing.T) {
	dialer, m := newRefreshFixture(t)

	var refreshes atomic.Int32
	var path atomic.Value
	path.Store("/reservations/rooms")

	coordinator := connector.NewRefreshCoordinator(m, connector.RefreshOptions{
		Path:     func() string { return path.Load().(string) },
		Interval: 20 * time.Millisecond,
		Refresh:  func() { refreshes.Add(1) },
	})

	coordinator.Start()
	defer coordinator.Stop()
	waitConnected(t, m)
	transport := dialer.latest()

	// irrelevant kinds are ignored while viewing reservations
	transport.push(t, connector.Event{Kind: connector.KindPollVoted, Target: connector.TargetAll, Timestamp: 1})
	transport.push(t, connector.Event{Kind: connector.KindNewsPublished, Target: connector.TargetAll, Timestamp: 2})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), refreshes.Load())

	// reservation changes qualify
	transport.push(t, connector.Event{Kind: connector.KindReservationUpdate, Target: connector.TargetAll, Timestamp: 3})
	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the filter tracks the active view: after navigating away, any kind qualifies
	path.Store("/marketplace")
	transport.push(t, connector.Event{Kind: connector.KindPollVoted, Target: connector.TargetAll, Timestamp: 4})
	require.Eventually(t, func() bool { return refreshes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRefreshCoordinator_StopCancelsPendingRefresh(t *testing.T) {
	dialer, m := newRefreshFixture(t)

	var refreshes atomic.Int32
	coordinator := connector.NewRefreshCoordinator(m, connector.RefreshOptions{
		Path:     func() string { return "/home" },
		Interval: 50 * time.Millisecond,
		Refresh:  func() { refreshes.Add(1) },
	})

	coordinator.Start()
	waitConnected(t, m)

	dialer.latest().push(t, connector.Event{Kind: connector.KindActivityNew, Target: connector.TargetAll, Timestamp: 1})

	// stop before the trailing edge fires
	time.Sleep(10 * time.Millisecond)
	coordinator.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), refreshes.Load())

	// stop also releases the shared connection
	assert.Equal(t, 0, m.Refs())
}

func TestRefreshCoordinator_StartIsIdempotent(t *testing.T) {
	_, m := newRefreshFixture(t)

	coordinator := connector.NewRefreshCoordinator(m, connector.RefreshOptions{
		Path:    func() string { return "/home" },
		Refresh: func() {},
	})

	coordinator.Start()
	coordinator.Start()
	assert.Equal(t, 1, m.Refs(), "double start must not double-acquire")

	coordinator.Stop()
	coordinator.Stop()
	assert.Equal(t, 0, m.Refs())
}

func TestDefaultFilter(t *testing.T) {
	reservation := connector.Event{Kind: connector.KindReservationUpdate}
	poll := connector.Event{Kind: connector.KindPollVoted}

	assert.True(t, connector.DefaultFilter("/reservations", reservation))
	assert.True(t, connector.DefaultFilter("/reservations/rooms/12", reservation))
	assert.False(t, connector.DefaultFilter("/reservations", poll))

	assert.True(t, connector.DefaultFilter("/home", poll))
	assert.True(t, connector.DefaultFilter("", reservation))
}
