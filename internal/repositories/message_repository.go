package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// MessageRepository persists chat messages per room. ListByRoom must return
// messages in ascending (created_at, id) order; Append assigns created_at.
type MessageRepository interface {
	Append(ctx context.Context, chatID int, userID int, content string) (models.Message, error)
	ListByRoom(ctx context.Context, chatID int) ([]models.Message, error)
}

// UserDirectory resolves user ids. A missing user yields ErrUserNotFound.
type UserDirectory interface {
	Lookup(ctx context.Context, userID int) (models.User, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message. created_at never goes backwards within a chat,
// even if the database clock does.
func (r *MessageRepo) Append(ctx context.Context, chatID int, userID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, user_id, content, created_at)
        VALUES ($1, $2, $3, GREATEST(clock_timestamp(), COALESCE((SELECT MAX(created_at) FROM messages WHERE chat_id=$1), clock_timestamp())))
        RETURNING id, chat_id, user_id, content, created_at`, chatID, userID, content).
		Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Content, &msg.CreatedAt)
	return msg, err
}

// ListByRoom returns the full history of a chat, oldest first.
func (r *MessageRepo) ListByRoom(ctx context.Context, chatID int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, chat_id, user_id, content, created_at
        FROM messages
        WHERE chat_id=$1
        ORDER BY created_at ASC, id ASC`, chatID)
	return msgs, err
}
