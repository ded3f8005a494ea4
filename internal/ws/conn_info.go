package ws

import (
	"time"

	"chat-core/internal/auth"
	"chat-core/internal/observability"
)

// ConnContext is built once at handshake and never mutated afterwards.
type ConnContext struct {
	ConnID      string
	ChatID      int
	Identity    auth.Identity
	DeviceID    string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (c ConnContext) event(name, reason string) observability.WSEvent {
	return observability.WSEvent{
		Name:        name,
		ChatID:      c.ChatID,
		ConnID:      c.ConnID,
		UserID:      c.Identity.UserID(),
		DeviceID:    c.DeviceID,
		IP:          c.IP,
		UserAgent:   c.UserAgent,
		RequestID:   c.RequestID,
		TraceID:     c.TraceID,
		ConnectedAt: c.ConnectedAt,
		Reason:      reason,
	}
}
