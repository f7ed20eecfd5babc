// Package remote is the authoritative store of characters and messages.
// Every user-scoped query filters on the owning user id.
package remote

import (
	"context"
	"errors"
	"time"

	"swipe-companion/backend/internal/models"
)

// ErrNotFound is returned when a row does not exist for the user
var ErrNotFound = errors.New("remote: not found")

// Store is the authoritative relational store
type Store interface {
	// ListCharacters returns every character matched by the user
	ListCharacters(ctx context.Context, userID string) ([]models.CharacterProfile, error)
	// GetCharacter returns ErrNotFound when the user owns no such character
	GetCharacter(ctx context.Context, userID, id string) (models.CharacterProfile, error)
	// InsertMatch stores a matched character; inserting an existing id is a no-op
	InsertMatch(ctx context.Context, userID string, p models.CharacterProfile) error
	// ListCandidates returns discoverable characters whose ids are not excluded
	ListCandidates(ctx context.Context, exclude []string, limit int) ([]models.CharacterProfile, error)
	// RecentMessages returns the newest messages, newest first
	RecentMessages(ctx context.Context, userID, characterID string, limit int) ([]models.ChatMessage, error)
	// MessagesBefore returns messages strictly older than before, newest first
	MessagesBefore(ctx context.Context, userID, characterID string, before time.Time, limit int) ([]models.ChatMessage, error)
	// InsertMessage stores a message; inserting an existing id is a no-op
	InsertMessage(ctx context.Context, userID string, msg models.ChatMessage) error
	Ping(ctx context.Context) error
}
