package connector

import (
	"strings"
	"sync"
	"time"
)

const defaultDebounceInterval = 300 * time.Millisecond

// PathProvider reports the currently active view path. It is consulted per
// incoming event, since the active view changes while subscribed.
type PathProvider func() string

// Filter decides whether an event seen at the given path should trigger a
// refresh. Implementations must be pure.
type Filter func(path string, event Event) bool

// DefaultFilter matches the portal's view semantics: inside the
// reservations area only reservation changes are relevant, everywhere else
// any change qualifies.
func DefaultFilter(path string, event Event) bool {
	if strings.HasPrefix(path, "/reservations") {
		return event.Kind == KindReservationUpdate
	}
	return true
}

// RefreshCoordinator listens to every event kind and collapses bursts into a
// single trailing view-data refresh.
type RefreshCoordinator struct {
	manager  *Manager
	path     PathProvider
	filter   Filter
	interval time.Duration
	refresh  func()

	mu      sync.Mutex
	timer   *time.Timer
	unsubs  []func()
	started bool
}

// RefreshOptions configures a RefreshCoordinator.
type RefreshOptions struct {
	// Path reports the active view. Required.
	Path PathProvider

	// Filter decides event relevance per path. Defaults to DefaultFilter.
	Filter Filter

	// Interval is the debounce window. Defaults to 300ms.
	Interval time.Duration

	// Refresh is the view-data refresh trigger. Required.
	Refresh func()
}

// NewRefreshCoordinator creates a coordinator bound to the shared manager.
func NewRefreshCoordinator(manager *Manager, opts RefreshOptions) *RefreshCoordinator {
	filter := opts.Filter
	if filter == nil {
		filter = DefaultFilter
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultDebounceInterval
	}

	return &RefreshCoordinator{
		manager:  manager,
		path:     opts.Path,
		filter:   filter,
		interval: interval,
		refresh:  opts.Refresh,
	}
}

// Start acquires the shared connection and subscribes to the full event
// kind set. Calling Start on a started coordinator is a no-op.
func (c *RefreshCoordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.started = true

	c.manager.Acquire()
	for _, kind := range Kinds() {
		c.unsubs = append(c.unsubs, c.manager.On(string(kind), c.handle))
	}
}

// Stop unsubscribes everything, cancels any pending refresh, and releases
// the shared connection.
func (c *RefreshCoordinator) Stop() {
	c.mu.Lock()

	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false

	unsubs := c.unsubs
	c.unsubs = nil

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.manager.Release()
}

// handle restarts the shared debounce timer for each qualifying event, so
// only the trailing edge of a burst triggers one refresh.
func (c *RefreshCoordinator) handle(event Event) {
	if !c.filter(c.path(), event) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.interval, c.fire)
}

func (c *RefreshCoordinator) fire() {
	c.mu.Lock()
	c.timer = nil
	started := c.started
	c.mu.Unlock()

	if started {
		c.refresh()
	}
}
