package models

import "time"

// MaxMessageLength bounds the text body of a chat message.
const MaxMessageLength = 2500

// Message represents a persisted chat message. Rows are never updated once written.
type Message struct {
	ID        int       `db:"id" json:"id" gorm:"primaryKey;autoIncrement"`
	ChatID    int       `db:"chat_id" json:"chat_id" gorm:"not null;index:idx_messages_chat_created,priority:1"`
	UserID    int       `db:"user_id" json:"user_id" gorm:"not null"`
	Content   string    `db:"content" json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `db:"created_at" json:"created_at" gorm:"not null;index:idx_messages_chat_created,priority:2"`
}

func (Message) TableName() string { return "messages" }

// InboundFrame is what a client writes on the socket.
type InboundFrame struct {
	Message *string `json:"message"`
	UserID  *int    `json:"user_id"`
}

// OutboundFrame is emitted for both history replay and live broadcast.
type OutboundFrame struct {
	Message   string    `json:"message"`
	User      int       `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorFrame is sent to the originating connection only.
type ErrorFrame struct {
	Error string `json:"error"`
}

// NewOutboundFrame converts a stored message into its wire form.
func NewOutboundFrame(msg Message) OutboundFrame {
	return OutboundFrame{Message: msg.Content, User: msg.UserID, CreatedAt: msg.CreatedAt}
}
