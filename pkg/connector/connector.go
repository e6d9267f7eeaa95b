// Package connector is the client-side library for the portal's realtime
// gateway. Many independent consumers share one physical connection through
// a reference-counted manager: the connection is dialed when the first
// consumer acquires it and torn down when the last one releases it, which
// keeps component remounts from causing reconnect storms.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/workhub/portal-realtime/internal/core/domain"
)

const (
	defaultInitialRetryDelay = 1 * time.Second
	defaultMaxRetryDelay     = 30 * time.Second
	defaultDedupTTL          = 30 * time.Second
)

// Event and Kind alias the gateway's event model so consumers need only
// this package.
type (
	Event = domain.Event
	Kind  = domain.EventKind
)

// TargetAll addresses every connected client.
const TargetAll = domain.TargetAll

// Event kinds, re-exported for filter implementations.
const (
	KindNotificationNew   = domain.EventNotificationNew
	KindActivityNew       = domain.EventActivityNew
	KindMessageNew        = domain.EventMessageNew
	KindPollCreated       = domain.EventPollCreated
	KindPollVoted         = domain.EventPollVoted
	KindNewsPublished     = domain.EventNewsPublished
	KindPointsUpdated     = domain.EventPointsUpdated
	KindHRRequestUpdate   = domain.EventHRRequestUpdate
	KindReservationUpdate = domain.EventReservationUpdate
	KindMarketplaceUpdate = domain.EventMarketplaceUpdate
	KindCalendarUpdate    = domain.EventCalendarUpdate
	KindRewardUpdate      = domain.EventRewardUpdate
)

// Kinds returns the closed set of event kinds.
func Kinds() []Kind {
	return domain.Kinds()
}

// IdentityProvider yields the current user identity for the auth handshake,
// or "" when no user is signed in. It is consulted on every (re)connect.
type IdentityProvider func() string

// Handler receives events for a subscribed kind.
type Handler func(event Event)

// Options configures a Manager.
type Options struct {
	// URL of the gateway socket endpoint.
	URL string

	// Identity provides the auth handshake payload. Optional.
	Identity IdentityProvider

	// Dialer establishes the underlying transport. Defaults to a real
	// websocket dialer; tests inject a fake.
	Dialer Dialer

	// InitialRetryDelay and MaxRetryDelay shape reconnection: attempts
	// are unbounded, the delay doubles from the initial value up to the cap.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration

	// DedupTTL is the window within which duplicate frames (reconnect
	// races, broker echo) are suppressed.
	DedupTTL time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &WebSocketDialer{}
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = defaultInitialRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = defaultMaxRetryDelay
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager owns the shared connection, the subscription registry, and the
// reconnect loop.
type Manager struct {
	opts Options

	mu        sync.Mutex
	refs      int
	transport Transport
	cancel    context.CancelFunc
	session   uint64

	handlers map[string]map[int]Handler
	nextID   int

	seen *ttlcache.Cache[string, struct{}]

	logger *slog.Logger
}

// outboundMessage is the client-to-server frame shape.
type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// New creates a Manager. No connection is made until the first Acquire.
func New(opts Options) *Manager {
	opts = opts.withDefaults()

	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](opts.DedupTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()

	return &Manager{
		opts:     opts,
		handlers: make(map[string]map[int]Handler),
		seen:     seen,
		logger:   opts.Logger.With("component", "connector"),
	}
}

// Acquire registers a consumer. The first acquisition dials the gateway.
func (m *Manager) Acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs++
	if m.refs > 1 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.session++
	go m.run(ctx, m.session)
}

// Release drops a consumer. The last release tears the connection down.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

// Refs returns the number of active consumers.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Connected reports whether the underlying connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil
}

// On registers a handler for an event kind and returns an unsubscribe
// function that removes exactly that handler and is a no-op when called
// again.
func (m *Manager) On(event string, handler Handler) func() {
	m.mu.Lock()

	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.handlers[event][id] = handler

	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if hs, ok := m.handlers[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(m.handlers, event)
			}
		}
	}
}

// Emit sends a message to the gateway. It is a no-op when the connection is
// not open; callers must not assume delivery.
func (m *Manager) Emit(event string, data any) {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()

	if transport == nil {
		return
	}

	body, err := json.Marshal(outboundMessage{Type: event, Payload: data})
	if err != nil {
		m.logger.Warn("failed to marshal outbound message", "event", event, "error", err)
		return
	}

	if err := transport.WriteMessage(body); err != nil {
		m.logger.Debug("outbound write failed", "event", event, "error", err)
	}
}

// Close releases all consumers and stops the de-dup cache. Intended for
// process teardown; normal consumers use Release.
func (m *Manager) Close() {
	m.mu.Lock()
	m.refs = 0
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.mu.Unlock()

	m.seen.Stop()
}

// run is the connect-read-reconnect loop for one acquisition session.
// Reconnection is unbounded: the delay doubles from the initial value up to
// the configured cap.
func (m *Manager) run(ctx context.Context, session uint64) {
	delay := m.opts.InitialRetryDelay

	for {
		transport, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
		if err != nil {
			m.logger.Info("gateway dial failed, will retry",
				"delay", delay.String(),
				"error", err,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > m.opts.MaxRetryDelay {
				delay = m.opts.MaxRetryDelay
			}
			continue
		}

		if !m.adopt(transport, session) {
			_ = transport.Close()
			return
		}

		delay = m.opts.InitialRetryDelay
		m.logger.Info("connected to gateway")

		m.authenticate()
		m.readLoop(ctx, transport)

		m.drop(transport)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// adopt installs the transport unless the session was released meanwhile.
func (m *Manager) adopt(transport Transport, session uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != session || m.refs == 0 {
		return false
	}
	m.transport = transport
	return true
}

func (m *Manager) drop(transport Transport) {
	m.mu.Lock()
	if m.transport == transport {
		m.transport = nil
	}
	m.mu.Unlock()

	_ = transport.Close()
}

// authenticate sends the auth handshake when an identity is known. Safe to
// send repeatedly; the gateway treats repeats as idempotent.
func (m *Manager) authenticate() {
	if m.opts.Identity == nil {
		return
	}
	identity := m.opts.Identity()
	if identity == "" {
		return
	}
	m.Emit("auth", identity)
}

func (m *Manager) readLoop(ctx context.Context, transport Transport) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Info("gateway connection lost", "reason", err.Error())
			}
			return
		}

		m.dispatch(data)
	}
}

// dispatch parses an inbound frame and fans it out to subscribed handlers.
// Duplicate frames within the de-dup window are suppressed.
func (m *Manager) dispatch(data []byte) {
	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	key := fmt.Sprintf("%s|%s|%d", event.Kind, event.Target, event.Timestamp)
	if m.seen.Has(key) {
		return
	}
	m.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)

	m.mu.Lock()
	registered := m.handlers[string(event.Kind)]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
