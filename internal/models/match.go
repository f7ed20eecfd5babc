package models

import "time"

// MatchRecord is a liked profile as shown in the matches list
type MatchRecord struct {
	CharacterID     string     `json:"id"`
	SourceID        string     `json:"source_id,omitempty"`
	Name            string     `json:"name"`
	AvatarURL       string     `json:"avatar_url"`
	MatchedAt       time.Time  `json:"matched_at"`
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
	UnreadCount     int        `json:"unread_count"`
	Unsynced        bool       `json:"unsynced,omitempty"`
}

// NewMatch builds the record for a freshly liked profile
func NewMatch(p CharacterProfile, at time.Time) MatchRecord {
	return MatchRecord{
		CharacterID: p.ID,
		SourceID:    p.SourceID,
		Name:        p.Name,
		AvatarURL:   p.AvatarURL,
		MatchedAt:   at,
	}
}
