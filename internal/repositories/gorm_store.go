package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"chat-core/internal/models"
)

// GormStore backs both the message store and the user directory with GORM.
// It is used with SQLite for local development and tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&models.User{}, &models.Message{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Append inserts a message with a created_at no earlier than the chat's latest one.
func (s *GormStore) Append(ctx context.Context, chatID int, userID int, content string) (models.Message, error) {
	msg := models.Message{ChatID: chatID, UserID: userID, Content: content}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Find leaves last zero on an empty chat instead of failing
		var last models.Message
		if err := tx.Where("chat_id = ?", chatID).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		msg.CreatedAt = time.Now().UTC()
		if msg.CreatedAt.Before(last.CreatedAt) {
			msg.CreatedAt = last.CreatedAt
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListByRoom returns the history of a chat, oldest first.
func (s *GormStore) ListByRoom(ctx context.Context, chatID int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	return msgs, err
}

// Lookup fetches a user by id.
func (s *GormStore) Lookup(ctx context.Context, userID int) (models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// CreateUser seeds a user row. The accounts service owns users in production.
func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}
