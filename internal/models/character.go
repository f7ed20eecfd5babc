package models

import (
	"time"
)

// CharacterProfile is the cached snapshot of a character
type CharacterProfile struct {
	ID                string    `json:"id"`
	SourceID          string    `json:"source_id,omitempty"`
	Name              string    `json:"name"`
	AvatarURL         string    `json:"avatar_url"`
	Age               int       `json:"age"`
	Occupation        string    `json:"occupation"`
	Bio               string    `json:"bio"`
	SystemInstruction string    `json:"system_instruction"`
	ImagePrompt       string    `json:"image_prompt"`
	CachedAt          time.Time `json:"cached_at"`
}

// Character is a row of the remote characters table.
// Rows with IsMock set are the discoverable candidates shown in the deck.
type Character struct {
	ID                string    `gorm:"primaryKey;size:64"`
	UserID            string    `gorm:"index;size:64"`
	SourceID          string    `gorm:"index;size:64"`
	Name              string    `gorm:"not null"`
	Age               int
	Occupation        string
	Bio               string    `gorm:"type:text"`
	AvatarURL         string
	SystemInstruction string    `gorm:"type:text"`
	ImagePrompt       string    `gorm:"type:text"`
	IsMock            bool      `gorm:"index;default:false"`
	CreatedAt         time.Time `gorm:"index"`
}

// Profile converts the row to a profile snapshot
func (c Character) Profile() CharacterProfile {
	return CharacterProfile{
		ID:                c.ID,
		SourceID:          c.SourceID,
		Name:              c.Name,
		AvatarURL:         c.AvatarURL,
		Age:               c.Age,
		Occupation:        c.Occupation,
		Bio:               c.Bio,
		SystemInstruction: c.SystemInstruction,
		ImagePrompt:       c.ImagePrompt,
	}
}

// CharacterRow builds a remote row owned by userID
func CharacterRow(userID string, p CharacterProfile) Character {
	return Character{
		ID:                p.ID,
		UserID:            userID,
		SourceID:          p.SourceID,
		Name:              p.Name,
		Age:               p.Age,
		Occupation:        p.Occupation,
		Bio:               p.Bio,
		AvatarURL:         p.AvatarURL,
		SystemInstruction: p.SystemInstruction,
		ImagePrompt:       p.ImagePrompt,
	}
}
