package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func TestRecordWSEventPublishesEnvelope(t *testing.T) {
	pub := new(publisherMock)
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	var captured EventEnvelope
	pub.On("Publish", mock.Anything, "ws_events.chats", mock.Anything, map[string]string{"x-request-id": "req-1", "trace_id": "trace-1"}).
		Run(func(args mock.Arguments) { captured = args.Get(2).(EventEnvelope) }).
		Return(nil).Once()

	RecordWSEvent(context.Background(), WSEvent{
		Name:        "ws_connect",
		ChatID:      42,
		ConnID:      "c1",
		UserID:      7,
		RequestID:   "req-1",
		TraceID:     "trace-1",
		ConnectedAt: time.Now(),
	})

	pub.AssertExpectations(t)
	assert.Equal(t, "ws_events", captured.EventType)
	assert.Equal(t, "ws_connect", captured.EventName)
	payload, ok := captured.Payload.(map[string]interface{})
	require.True(t, ok)
	ws := payload["ws"].(map[string]interface{})
	assert.Equal(t, 42, ws["resource_id"])
	assert.Equal(t, "c1", ws["conn_id"])
}

func TestPublishEventWithoutPublisherIsNoop(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "k", "v", nil))
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"trace_id": "t"}, BuildHeaders("", "t"))
}
