package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/middleware"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
)

const (
	historyTimeout = 10 * time.Second
	storeTimeout   = 5 * time.Second
)

// Options tunes the websocket endpoint.
type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	MaxMessageSize int64
}

// ChatWebSocketHandler handles chat websocket connections.
type ChatWebSocketHandler struct {
	hub      *Hub
	store    repositories.MessageRepository
	audit    *telemetry.AuditEmitter
	upgrader websocket.Upgrader
	opts     Options
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, store repositories.MessageRepository, audit *telemetry.AuditEmitter, opts Options) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		hub:   hub,
		store: store,
		audit: audit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		opts: opts,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Handle upgrades the connection and runs its chat session. The identity is
// resolved beforehand by middleware.Identity.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	ctx, span := otel.Tracer("chat-core/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.id", chatID))

	identity := middleware.CurrentIdentity(c)
	meta := observability.ClientMetaFromRequest(c.Request)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed chat_id=%d: %v", chatID, err)
		return
	}

	info := ConnContext{
		ConnID:      newConnID(),
		ChatID:      chatID,
		Identity:    identity,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		RequestID:   middleware.CurrentRequestID(c),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	// The request context ends when this handler returns; the session
	// outlives it and keeps only the trace.
	sessionCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())

	client := NewClient(conn, info.ConnID, h.opts.SendBuffer, h.opts.MaxMessageSize)
	go client.WritePump()

	session := NewSession(info, client, h.hub, h.store)
	connectCtx, cancel := context.WithTimeout(sessionCtx, historyTimeout)
	err = session.Connect(connectCtx)
	cancel()
	if err != nil {
		h.rejected(ctx, info, err)
		return
	}

	observability.IncWSActive()
	observability.RecordWSEvent(ctx, info.event("ws_connect", ""))
	go h.serve(sessionCtx, session, client, info)
}

func (h *ChatWebSocketHandler) rejected(ctx context.Context, info ConnContext, err error) {
	if errors.Is(err, ErrAnonymous) {
		observability.RecordWSEvent(ctx, info.event("ws_rejected", "authentication required"))
		h.audit.Emit(ctx, "WARN", "anonymous websocket handshake rejected", info.RequestID, nil, info.ChatID)
		return
	}
	log.Printf("ws connect failed chat_id=%d conn_id=%s: %v", info.ChatID, info.ConnID, err)
	observability.RecordWSEvent(ctx, info.event("ws_error", err.Error()))
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, session *Session, client *Client, info ConnContext) {
	var reason string
	defer func() {
		session.Close(reason)
		observability.DecWSActive()
		observability.RecordWSEvent(ctx, info.event("ws_disconnect", reason))
	}()

	err := client.ReadPump(func(raw []byte) {
		msgCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()

		err := session.Receive(msgCtx, raw)
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformedPayload):
			log.Printf("ws dropped payload chat_id=%d conn_id=%s: %v", info.ChatID, info.ConnID, err)
			observability.IncWSEvent("ws_malformed")
		default:
			log.Printf("ws receive failed chat_id=%d conn_id=%s: %v", info.ChatID, info.ConnID, err)
			observability.RecordWSEvent(ctx, info.event("ws_error", err.Error()))
		}
	})

	reason = h.exitReason(ctx, client, info, err)
}

// exitReason explains why the read loop ended and reports the exits that are
// errors: evictions of slow readers and unexpected read failures.
func (h *ChatWebSocketHandler) exitReason(ctx context.Context, client *Client, info ConnContext, err error) string {
	select {
	case <-client.Done():
		if client.closeCode != websocket.ClosePolicyViolation {
			return closeReason(err)
		}
		log.Printf("ws evicted chat_id=%d conn_id=%s: %s", info.ChatID, info.ConnID, client.closeReason)
		observability.RecordWSEvent(ctx, info.event("ws_error", client.closeReason))
		return client.closeReason
	default:
	}

	reason := closeReason(err)
	if !isExpectedCloseError(err) {
		observability.RecordWSEvent(ctx, info.event("ws_error", reason))
	}
	return reason
}
