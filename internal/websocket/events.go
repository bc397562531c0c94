package websocket

import (
	"log/slog"

	"github.com/ttlock-bridge/backend/internal/command"
	"github.com/ttlock-bridge/backend/internal/health"
	"github.com/ttlock-bridge/backend/internal/state"
)

// EventBroadcaster turns store, dispatcher and health notifications into
// hub messages. Its methods never block, so they are safe as store listeners.
type EventBroadcaster struct {
	hub    *Hub
	logger *slog.Logger
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub, logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{hub: hub, logger: logger.With("component", "websocket")}
}

// LockChanged sends a lock.state_changed event.
func (b *EventBroadcaster) LockChanged(c state.Change) {
	b.broadcast(NewMessage(TypeLockStateChanged, LockStatePayload{
		Lock:          c.Current,
		PreviousState: c.Previous.State,
		Source:        c.Update.Source,
	}))
}

// CommandUpdated sends a command.updated event.
func (b *EventBroadcaster) CommandUpdated(cmd command.Command) {
	b.broadcast(NewMessage(TypeCommandUpdated, cmd))
}

// HealthChanged sends a health.changed event.
func (b *EventBroadcaster) HealthChanged(s health.Snapshot) {
	b.broadcast(NewMessage(TypeHealthChanged, s))
}

func (b *EventBroadcaster) broadcast(msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.logger.Error("encoding websocket message", "type", msg.Type, "error", err)
		return
	}
	b.hub.Broadcast(data)
}
