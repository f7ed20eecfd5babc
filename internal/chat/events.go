package chat

import "swipe-companion/backend/internal/models"

// EventKind names a transcript mutation
type EventKind string

const (
	EventMessageAppended   EventKind = "message.appended"
	EventMessageRemoved    EventKind = "message.removed"
	EventMessagesPrepended EventKind = "messages.prepended"
)

// Event describes one transcript mutation
type Event struct {
	Kind        EventKind            `json:"type"`
	CharacterID string               `json:"character_id"`
	Messages    []models.ChatMessage `json:"messages,omitempty"`
	MessageID   string               `json:"message_id,omitempty"`
}

// Listener receives transcript events. Publish is called while the session
// holds its lock and must not block.
type Listener interface {
	Publish(userID string, ev Event)
}
