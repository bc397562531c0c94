package websocket

import (
	"encoding/json"
	"time"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeLockStateChanged MessageType = "lock.state_changed"
	TypeCommandUpdated   MessageType = "command.updated"
	TypeHealthChanged    MessageType = "health.changed"

	// Client -> Server command types
	TypePing     MessageType = "ping"
	TypeSnapshot MessageType = "snapshot"

	// Server -> Client response types
	TypePong         MessageType = "pong"
	TypeSnapshotData MessageType = "snapshot.data"
	TypeError        MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// LockStatePayload is the payload for lock.state_changed events.
type LockStatePayload struct {
	Lock          models.LockRecord `json:"lock"`
	PreviousState models.LockState  `json:"previous_state"`
	Source        models.Source     `json:"source,omitempty"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
