package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swipe-companion/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on postgres or mysql
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the characters and messages tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Character{}, &models.Message{})
}

func profiles(rows []models.Character) []models.CharacterProfile {
	out := make([]models.CharacterProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Profile())
	}
	return out
}

func chats(rows []models.Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Chat())
	}
	return out
}

func (s *GormStore) ListCharacters(ctx context.Context, userID string) ([]models.CharacterProfile, error) {
	var rows []models.Character
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_mock = ?", userID, false).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return profiles(rows), nil
}

func (s *GormStore) GetCharacter(ctx context.Context, userID, id string) (models.CharacterProfile, error) {
	var row models.Character
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CharacterProfile{}, ErrNotFound
	}
	if err != nil {
		return models.CharacterProfile{}, fmt.Errorf("get character %s: %w", id, err)
	}
	return row.Profile(), nil
}

func (s *GormStore) InsertMatch(ctx context.Context, userID string, p models.CharacterProfile) error {
	row := models.CharacterRow(userID, p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert match %s: %w", p.ID, err)
	}
	return nil
}

func (s *GormStore) ListCandidates(ctx context.Context, exclude []string, limit int) ([]models.CharacterProfile, error) {
	q := s.db.WithContext(ctx).Where("is_mock = ?", true)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}

	var rows []models.Character
	if err := q.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return profiles(rows), nil
}

func (s *GormStore) RecentMessages(ctx context.Context, userID, characterID string, limit int) ([]models.ChatMessage, error) {
	var rows []models.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", characterID, err)
	}
	return chats(rows), nil
}

func (s *GormStore) MessagesBefore(ctx context.Context, userID, characterID string, before time.Time, limit int) ([]models.ChatMessage, error) {
	var rows []models.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ? AND created_at < ?", userID, characterID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("messages before %s: %w", characterID, err)
	}
	return chats(rows), nil
}

func (s *GormStore) InsertMessage(ctx context.Context, userID string, msg models.ChatMessage) error {
	row := models.MessageRow(userID, msg)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
