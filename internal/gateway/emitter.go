package gateway

import (
	"github.com/workhub/portal-realtime/internal/core/domain"
	"github.com/workhub/portal-realtime/internal/core/ports"
	"github.com/workhub/portal-realtime/internal/infrastructure/metrics"
)

// meteredEmitter counts emissions per kind on top of the underlying emitter.
type meteredEmitter struct {
	inner   ports.Emitter
	metrics *metrics.Metrics
}

var _ ports.Emitter = (*meteredEmitter)(nil)

func newMeteredEmitter(inner ports.Emitter, m *metrics.Metrics) *meteredEmitter {
	return &meteredEmitter{inner: inner, metrics: m}
}

func (e *meteredEmitter) Emit(kind domain.EventKind, target string, payload map[string]any) {
	e.metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
	e.inner.Emit(kind, target, payload)
}
