package models

import (
	"time"
)

// Role is the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a conversation
type ChatMessage struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"character_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Unsynced    bool      `json:"unsynced,omitempty"`
}

// Preview is the text shown in the matches list for this message
func (m ChatMessage) Preview() string {
	if m.Content == "" && m.ImageURL != "" {
		return "[image]"
	}
	return m.Content
}

// Message is a row of the remote messages table
type Message struct {
	ID          string    `gorm:"primaryKey;size:64"`
	CharacterID string    `gorm:"index:idx_messages_conversation,priority:2;size:64"`
	UserID      string    `gorm:"index:idx_messages_conversation,priority:1;size:64"`
	Role        string    `gorm:"size:16"`
	Content     string    `gorm:"type:text"`
	ImageURL    string
	CreatedAt   time.Time `gorm:"index:idx_messages_conversation,priority:3"`
}

// Chat converts the row to a chat message
func (m Message) Chat() ChatMessage {
	return ChatMessage{
		ID:          m.ID,
		CharacterID: m.CharacterID,
		Role:        Role(m.Role),
		Content:     m.Content,
		ImageURL:    m.ImageURL,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

// MessageRow builds a remote row owned by userID
func MessageRow(userID string, m ChatMessage) Message {
	return Message{
		ID:          m.ID,
		CharacterID: m.CharacterID,
		UserID:      userID,
		Role:        string(m.Role),
		Content:     m.Content,
		ImageURL:    m.ImageURL,
		CreatedAt:   m.CreatedAt,
	}
}
