package ports

import (
	"context"

	"github.com/workhub/portal-realtime/internal/core/domain"
)

// EventBroadcaster is the port for in-process delivery of events to
// connected clients. Implemented by the websocket hub.
type EventBroadcaster interface {
	Broadcast(event domain.Event) error
}

// BrokerPublisher is the port for best-effort publication onto the shared
// bus. A null implementation is substituted when no broker is configured.
type BrokerPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// BrokerSubscriber is the port for consuming the shared bus. The handler is
// invoked once per inbound message; a failing handler must not stop the
// subscription loop.
type BrokerSubscriber interface {
	Subscribe(ctx context.Context, handler func(body []byte)) error
}

// Broker combines both directions of the bus adapter.
type Broker interface {
	BrokerPublisher
	BrokerSubscriber
	Close() error
}

// Emitter is the public API used by mutation call sites after they commit
// their own state change. Emit never fails the caller.
type Emitter interface {
	Emit(kind domain.EventKind, target string, payload map[string]any)
}
