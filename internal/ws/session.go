package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

var (
	ErrAnonymous        = errors.New("anonymous connection")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSessionClosed    = errors.New("session closed")
)

// State is a chat session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is the session's end of a websocket connection. Preload must not block;
// it queues history ahead of any frame delivered afterwards.
type Peer interface {
	Subscriber
	Preload(frames [][]byte) error
	Send(ctx context.Context, frame []byte) error
	Close(code int, reason string)
}

// Session drives one connection through Connecting -> Joined -> Closed.
type Session struct {
	conn  ConnContext
	peer  Peer
	hub   *Hub
	store repositories.MessageRepository

	mu    sync.Mutex
	state State
}

// NewSession builds a session in the Connecting state.
func NewSession(conn ConnContext, peer Peer, hub *Hub, store repositories.MessageRepository) *Session {
	return &Session{conn: conn, peer: peer, hub: hub, store: store, state: StateConnecting}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect joins the room and replays its history one frame per message.
// Anonymous connections are closed without touching the hub.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn.Identity.IsAnonymous() {
		s.state = StateClosed
		s.mu.Unlock()
		s.peer.Close(CloseAuthRequired, "authentication required")
		return ErrAnonymous
	}
	s.mu.Unlock()

	ctx, span := otel.Tracer("chat-core/ws").Start(ctx, "ws.history")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.id", s.conn.ChatID))

	err := s.hub.Sequenced(ctx, s.conn.ChatID, func() error {
		frames, err := s.history(ctx)
		if err != nil {
			return err
		}
		s.hub.Join(s.conn.ChatID, s.peer)
		if err := s.peer.Preload(frames); err != nil {
			s.hub.Leave(s.conn.ChatID, s.peer)
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.peer.Close(websocket.CloseInternalServerErr, "history unavailable")
		return fmt.Errorf("replay history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		s.hub.Leave(s.conn.ChatID, s.peer)
		return ErrSessionClosed
	}
	s.state = StateJoined
	return nil
}

func (s *Session) history(ctx context.Context) ([][]byte, error) {
	msgs, err := s.store.ListByRoom(ctx, s.conn.ChatID)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		frame, err := json.Marshal(models.NewOutboundFrame(msg))
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Receive persists one inbound frame and broadcasts the stored message to the
// room, sender included. Malformed frames are rejected without side effects.
func (s *Session) Receive(ctx context.Context, raw []byte) error {
	if s.State() != StateJoined {
		return ErrSessionClosed
	}

	content, err := s.parse(raw)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("chat-core/ws").Start(ctx, "ws.persist")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.id", s.conn.ChatID))

	err = s.hub.Sequenced(ctx, s.conn.ChatID, func() error {
		msg, err := s.store.Append(ctx, s.conn.ChatID, s.conn.Identity.UserID(), content)
		if err != nil {
			return err
		}
		observability.IncMessageStored()

		frame, err := json.Marshal(models.NewOutboundFrame(msg))
		if err != nil {
			return err
		}
		s.hub.Broadcast(s.conn.ChatID, frame)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.sendError(ctx, "message could not be stored")
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (s *Session) parse(raw []byte) (string, error) {
	var in models.InboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if in.Message == nil || strings.TrimSpace(*in.Message) == "" {
		return "", fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	if utf8.RuneCountInString(*in.Message) > models.MaxMessageLength {
		return "", fmt.Errorf("%w: message longer than %d characters", ErrMalformedPayload, models.MaxMessageLength)
	}
	if in.UserID == nil {
		return "", fmt.Errorf("%w: missing user_id", ErrMalformedPayload)
	}
	if *in.UserID != s.conn.Identity.UserID() {
		return "", fmt.Errorf("%w: user_id %d does not match connection", ErrMalformedPayload, *in.UserID)
	}
	return *in.Message, nil
}

func (s *Session) sendError(ctx context.Context, text string) {
	frame, err := json.Marshal(models.ErrorFrame{Error: text})
	if err != nil {
		return
	}
	if err := s.peer.Send(ctx, frame); err != nil {
		log.Printf("ws error frame not sent conn_id=%s: %v", s.conn.ConnID, err)
	}
}

// Close leaves the room and shuts the peer down. It is safe to call on every
// exit path; only the first call has an effect.
func (s *Session) Close(reason string) bool {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	s.mu.Unlock()

	if prev == StateClosed {
		return false
	}
	s.hub.Leave(s.conn.ChatID, s.peer)
	s.peer.Close(websocket.CloseNormalClosure, reason)
	return true
}
