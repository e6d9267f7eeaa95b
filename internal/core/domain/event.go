package domain

import (
	"fmt"
	"time"

	apperrors "github.com/workhub/portal-realtime/internal/core/errors"
)

// EventKind identifies the category of portal state change carried by an event.
type EventKind string

// The closed set of event kinds produced by portal mutation sites.
const (
	EventNotificationNew   EventKind = "notification:new"
	EventActivityNew       EventKind = "activity:new"
	EventMessageNew        EventKind = "message:new"
	EventPollCreated       EventKind = "poll:created"
	EventPollVoted         EventKind = "poll:voted"
	EventNewsPublished     EventKind = "news:published"
	EventPointsUpdated     EventKind = "points:updated"
	EventHRRequestUpdate   EventKind = "hr:request_update"
	EventReservationUpdate EventKind = "reservation:update"
	EventMarketplaceUpdate EventKind = "marketplace:update"
	EventCalendarUpdate    EventKind = "calendar:update"
	EventRewardUpdate      EventKind = "reward:update"
)

// TargetAll addresses every connected client regardless of authentication state.
const TargetAll = "all"

// Kinds returns the full closed set of event kinds.
func Kinds() []EventKind {
	return []EventKind{
		EventNotificationNew,
		EventActivityNew,
		EventMessageNew,
		EventPollCreated,
		EventPollVoted,
		EventNewsPublished,
		EventPointsUpdated,
		EventHRRequestUpdate,
		EventReservationUpdate,
		EventMarketplaceUpdate,
		EventCalendarUpdate,
		EventRewardUpdate,
	}
}

var kindSet = func() map[EventKind]struct{} {
	s := make(map[EventKind]struct{})
	for _, k := range Kinds() {
		s[k] = struct{}{}
	}
	return s
}()

// IsValid reports whether k belongs to the closed event kind set.
func (k EventKind) IsValid() bool {
	_, ok := kindSet[k]
	return ok
}

// Event is the payload relayed to connected clients and across the broker bus.
// It is immutable once constructed: the timestamp is assigned at emission and
// never rewritten downstream.
type Event struct {
	Kind      EventKind      `json:"type"`
	Target    string         `json:"target"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`

	// Origin is the emitting gateway instance ID. The publishing instance
	// delivers in-process and drops its own broker echo so each client
	// receives exactly one copy.
	Origin string `json:"origin,omitempty"`
}

// NewEvent constructs an event with a fresh millisecond timestamp.
func NewEvent(kind EventKind, target string, payload map[string]any, origin string) Event {
	return Event{
		Kind:      kind,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Origin:    origin,
	}
}

// Validate checks the event against the closed kind set and target rules.
func (e Event) Validate() error {
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownEventKind, string(e.Kind))
	}
	if e.Target == "" {
		return apperrors.ErrTargetRequired
	}
	return nil
}

// Broadcast reports whether the event addresses every connected client.
func (e Event) Broadcast() bool {
	return e.Target == TargetAll
}
