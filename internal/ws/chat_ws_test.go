package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-core/internal/auth"
	"chat-core/internal/middleware"
	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

const testSecret = "ws-test-secret"

type testServer struct {
	hub   *Hub
	store *repositories.GormStore
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := openSessionStore(t)
	for _, u := range []models.User{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}} {
		user := u
		require.NoError(t, store.CreateUser(context.Background(), &user))
	}

	hub := NewHub()
	authenticator := auth.NewAuthenticator(auth.NewJWTVerifier(testSecret), store)
	handler := NewChatWebSocketHandler(hub, store, nil, Options{
		AllowedOrigins: []string{"*"},
		SendBuffer:     16,
		MaxMessageSize: 16384,
	})

	router := gin.New()
	router.Use(middleware.RequestID())
	router.GET("/ws/chat/:chat_id", middleware.Identity(authenticator), handler.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.CloseAll(websocket.CloseGoingAway, "test done")
		srv.Close()
	})

	return &testServer{
		hub:   hub,
		store: store,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func tokenFor(t *testing.T, userID int, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(s.url+path, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame models.OutboundFrame
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func (s *testServer) waitForRoomSize(t *testing.T, chatID, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.hub.RoomSize(chatID) == size
	}, 3*time.Second, 10*time.Millisecond)
}

func TestChatWSTwoUsersExchangeMessages(t *testing.T) {
	s := newTestServer(t)

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))
	s.waitForRoomSize(t, 42, 1)
	u2 := s.dial(t, "/ws/chat/42", tokenFor(t, 2, time.Minute))
	s.waitForRoomSize(t, 42, 2)

	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`{"message":"hi","user_id":1}`)))

	for _, conn := range []*websocket.Conn{u1, u2} {
		frame := readFrame(t, conn)
		assert.Equal(t, "hi", frame.Message)
		assert.Equal(t, 1, frame.User)
		assert.False(t, frame.CreatedAt.IsZero())
	}

	history, err := s.store.ListByRoom(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].UserID)
}

func TestChatWSReplaysHistoryBeforeLiveTraffic(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, text := range []string{"first", "second", "third"} {
		_, err := s.store.Append(ctx, 42, 2, text)
		require.NoError(t, err)
	}

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))

	var prev time.Time
	for _, want := range []string{"first", "second", "third"} {
		frame := readFrame(t, u1)
		assert.Equal(t, want, frame.Message)
		assert.False(t, frame.CreatedAt.Before(prev))
		prev = frame.CreatedAt
	}
	expectNoFrame(t, u1)
}

func TestChatWSReplaysHistoryLongerThanSendBuffer(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	const total = 40 // SendBuffer is 16
	for i := 0; i < total; i++ {
		_, err := s.store.Append(ctx, 42, 2, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))
	s.waitForRoomSize(t, 42, 1)
	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`{"message":"live","user_id":1}`)))

	for i := 0; i < total; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), readFrame(t, u1).Message)
	}
	assert.Equal(t, "live", readFrame(t, u1).Message)
}

func TestChatWSAbruptDisconnectLeavesRoom(t *testing.T) {
	s := newTestServer(t)

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))
	s.waitForRoomSize(t, 42, 1)
	u2 := s.dial(t, "/ws/chat/42", tokenFor(t, 2, time.Minute))
	s.waitForRoomSize(t, 42, 2)

	// drop the TCP connection without a close frame
	require.NoError(t, u1.NetConn().Close())
	s.waitForRoomSize(t, 42, 1)

	require.NoError(t, u2.WriteMessage(websocket.TextMessage, []byte(`{"message":"anyone?","user_id":2}`)))
	frame := readFrame(t, u2)
	assert.Equal(t, "anyone?", frame.Message)
	assert.Equal(t, 2, frame.User)
}

func TestChatWSAnonymousIsClosed(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "/ws/chat/42", "")

	expectClose(t, conn, CloseAuthRequired)
	assert.Equal(t, 0, s.hub.RoomSize(42))
}

func TestChatWSExpiredTokenIsClosed(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "/ws/chat/42", tokenFor(t, 1, -time.Minute))

	expectClose(t, conn, CloseAuthRequired)
	assert.Equal(t, 0, s.hub.RoomSize(42))
}

func TestChatWSUnknownUserIsClosed(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "/ws/chat/42", tokenFor(t, 404, time.Minute))

	expectClose(t, conn, CloseAuthRequired)
	assert.Equal(t, 0, s.hub.RoomSize(42))
}

func TestChatWSQueryTokenFallback(t *testing.T) {
	s := newTestServer(t)

	s.dial(t, "/ws/chat/42?token="+tokenFor(t, 1, time.Minute), "")

	s.waitForRoomSize(t, 42, 1)
}

func TestChatWSMalformedPayloadKeepsConnection(t *testing.T) {
	s := newTestServer(t)

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))
	s.waitForRoomSize(t, 42, 1)

	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`{"message":"spoof","user_id":2}`)))
	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`{"message":"ok","user_id":1}`)))

	frame := readFrame(t, u1)
	assert.Equal(t, "ok", frame.Message)

	history, err := s.store.ListByRoom(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestChatWSInvalidChatID(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url+"/ws/chat/abc", nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatWSShutdownClosesClients(t *testing.T) {
	s := newTestServer(t)

	u1 := s.dial(t, "/ws/chat/42", tokenFor(t, 1, time.Minute))
	s.waitForRoomSize(t, 42, 1)

	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	expectClose(t, u1, websocket.CloseGoingAway)
	s.waitForRoomSize(t, 42, 0)
}

func TestChatWSEvictionIsReportedAsError(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "ws_events.chats", mock.Anything, mock.Anything).Return(nil)
	observability.SetPublisher(publisher)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	h := NewChatWebSocketHandler(NewHub(), nil, nil, Options{})
	client := NewClient(nil, "c1", 1, 0)
	require.NoError(t, client.Deliver([]byte("a")))
	require.ErrorIs(t, client.Deliver([]byte("b")), ErrSendBufferFull)

	reason := h.exitReason(context.Background(), client, userConn(42, 1), errors.New("read: connection reset"))

	assert.Equal(t, "send buffer full", reason)
	events := publisher.Events("ws_events.chats")
	require.Len(t, events, 1)
	envelope := events[0].(observability.EventEnvelope)
	assert.Equal(t, "ws_error", envelope.EventName)
	ws := envelope.Payload.(map[string]interface{})["ws"].(map[string]interface{})
	assert.Equal(t, "send buffer full", ws["reason"])
	assert.Equal(t, "conn-1", ws["conn_id"])
}

func TestChatWSNormalCloseIsNotAnError(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	observability.SetPublisher(publisher)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	h := NewChatWebSocketHandler(NewHub(), nil, nil, Options{})
	client := NewClient(nil, "c1", 1, 0)
	closeErr := &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}

	assert.Equal(t, "bye", h.exitReason(context.Background(), client, userConn(42, 1), closeErr))
	assert.Empty(t, publisher.Events("ws_events.chats"))
}
