package remote

import (
	"context"
	"fmt"

	"swipe-companion/backend/internal/models"

	"gorm.io/gorm/clause"
)

// DemoCandidates is the discoverable deck used by development setups
func DemoCandidates() []models.CharacterProfile {
	return []models.CharacterProfile{
		{ID: "demo-aria", Name: "Aria", Age: 26, Occupation: "Barista", Bio: "Latte art and late-night jazz.",
			AvatarURL: "https://placehold.co/400x600?text=Aria", SystemInstruction: "You are Aria, a warm and witty barista.",
			ImagePrompt: "a smiling barista with curly hair in a cozy cafe"},
		{ID: "demo-eowyn", Name: "Eowyn", Age: 29, Occupation: "Climber", Bio: "Weekends on granite.",
			AvatarURL: "https://placehold.co/400x600?text=Eowyn", SystemInstruction: "You are Eowyn, an adventurous rock climber.",
			ImagePrompt: "a rock climber at golden hour on a cliff"},
		{ID: "demo-alita", Name: "Alita", Age: 24, Occupation: "Game designer", Bio: "Ask me about my side quest.",
			AvatarURL: "https://placehold.co/400x600?text=Alita", SystemInstruction: "You are Alita, a playful game designer.",
			ImagePrompt: "a game designer with headphones at a neon desk"},
		{ID: "demo-noor", Name: "Noor", Age: 31, Occupation: "Architect", Bio: "Concrete, light and long walks.",
			AvatarURL: "https://placehold.co/400x600?text=Noor", SystemInstruction: "You are Noor, a thoughtful architect.",
			ImagePrompt: "an architect sketching on a rooftop"},
	}
}

// SeedCandidates inserts candidates as discoverable rows, skipping existing ids
func (s *GormStore) SeedCandidates(ctx context.Context, candidates []models.CharacterProfile) error {
	rows := make([]models.Character, 0, len(candidates))
	for _, p := range candidates {
		row := models.CharacterRow("", p)
		row.IsMock = true
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("seed candidates: %w", err)
	}
	return nil
}
