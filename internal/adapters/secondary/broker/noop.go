package broker

import (
	"context"

	"github.com/workhub/portal-realtime/internal/core/ports"
)

// Noop is the null-object bus adapter used when no broker is configured or
// the broker is unreachable. Publish and Subscribe succeed without doing
// anything, leaving the gateway in single-instance, in-process-only mode.
type Noop struct{}

var _ ports.Broker = (*Noop)(nil)

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Publish(ctx context.Context, body []byte) error {
	return nil
}

func (n *Noop) Subscribe(ctx context.Context, handler func(body []byte)) error {
	return nil
}

func (n *Noop) Close() error {
	return nil
}
