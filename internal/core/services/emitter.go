package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/workhub/portal-realtime/internal/core/domain"
	"github.com/workhub/portal-realtime/internal/core/ports"
)

// publishTimeout bounds a single best-effort broker publish.
const publishTimeout = 5 * time.Second

// EmitterService fans a mutation-side event out over both delivery paths:
// directly to the in-process hub, and to the broker bus for other gateway
// instances. The in-process path works with zero broker configured, which
// keeps single-instance deployments fully functional.
type EmitterService struct {
	hub    ports.EventBroadcaster
	broker ports.BrokerPublisher
	origin string
	logger *slog.Logger
}

var _ ports.Emitter = (*EmitterService)(nil)

// NewEmitterService creates the emitter. origin is this gateway instance's
// ID, stamped onto every event so the broker echo can be dropped locally.
func NewEmitterService(
	hub ports.EventBroadcaster,
	broker ports.BrokerPublisher,
	origin string,
	logger *slog.Logger,
) *EmitterService {
	return &EmitterService{
		hub:    hub,
		broker: broker,
		origin: origin,
		logger: logger.With("component", "emitter"),
	}
}

// Emit constructs the event with a fresh timestamp and delivers it. It never
// returns an error and never panics: a failing broker must not fail the
// business operation that triggered the notification.
func (s *EmitterService) Emit(kind domain.EventKind, target string, payload map[string]any) {
	event := domain.NewEvent(kind, target, payload, s.origin)
	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping invalid event", "kind", string(kind), "error", err)
		return
	}

	// In-process delivery first; the hub send is non-blocking.
	if err := s.hub.Broadcast(event); err != nil {
		s.logger.Warn("in-process broadcast failed",
			"kind", string(kind),
			"error", err,
		)
	}

	// Broker publish is best-effort and must not block the caller.
	go s.publish(event)
}

func (s *EmitterService) publish(event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from broker publish panic", "panic", r)
		}
	}()

	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", "kind", string(event.Kind), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.broker.Publish(ctx, body); err != nil {
		s.logger.Warn("broker publish failed, event delivered in-process only",
			"kind", string(event.Kind),
			"error", err,
		)
	}
}
