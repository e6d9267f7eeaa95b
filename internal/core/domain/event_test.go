package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workhub/portal-realtime/internal/core/domain"
	apperrors "github.com/workhub/portal-realtime/internal/core/errors"
)

func TestEventKind_IsValid(t *testing.T) {
	t.Run("all declared kinds are valid", func(t *testing.T) {
		for _, kind := range domain.Kinds() {
			assert.True(t, kind.IsValid(), "kind %q should be valid", kind)
		}
	})

	t.Run("unknown kind is invalid", func(t *testing.T) {
		assert.False(t, domain.EventKind("badge:earned").IsValid())
		assert.False(t, domain.EventKind("").IsValid())
	})
}

func TestNewEvent(t *testing.T) {
	t.Run("assigns millisecond timestamp at construction", func(t *testing.T) {
		before := time.Now().UnixMilli()
		event := domain.NewEvent(domain.EventPollVoted, "u42", map[string]any{"pollId": "p1"}, "origin-1")
		after := time.Now().UnixMilli()

		assert.GreaterOrEqual(t, event.Timestamp, before)
		assert.LessOrEqual(t, event.Timestamp, after)
		assert.Equal(t, domain.EventPollVoted, event.Kind)
		assert.Equal(t, "u42", event.Target)
		assert.Equal(t, "origin-1", event.Origin)
	})

	t.Run("broadcast detection", func(t *testing.T) {
		all := domain.NewEvent(domain.EventNewsPublished, domain.TargetAll, nil, "")
		targeted := domain.NewEvent(domain.EventNotificationNew, "u42", nil, "")

		assert.True(t, all.Broadcast())
		assert.False(t, targeted.Broadcast())
	})
}

func TestEvent_Validate(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		event := domain.NewEvent(domain.EventMessageNew, "u42", nil, "")
		assert.NoError(t, event.Validate())
	})

	t.Run("unknown kind", func(t *testing.T) {
		event := domain.Event{Kind: "made:up", Target: "u42"}
		assert.ErrorIs(t, event.Validate(), apperrors.ErrUnknownEventKind)
	})

	t.Run("empty target", func(t *testing.T) {
		event := domain.Event{Kind: domain.EventMessageNew}
		assert.ErrorIs(t, event.Validate(), apperrors.ErrTargetRequired)
	})
}

func TestEvent_WireShape(t *testing.T) {
	event := domain.Event{
		Kind:      domain.EventReservationUpdate,
		Target:    "all",
		Payload:   map[string]any{"id": "r1"},
		Timestamp: 1700000000000,
	}

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))

	assert.Equal(t, "reservation:update", wire["type"])
	assert.Equal(t, "all", wire["target"])
	assert.Equal(t, map[string]any{"id": "r1"}, wire["payload"])
	assert.Equal(t, float64(1700000000000), wire["timestamp"])

	// origin is omitted when empty so single-instance frames stay minimal
	_, hasOrigin := wire["origin"]
	assert.False(t, hasOrigin)
}
