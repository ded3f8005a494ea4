package observability

import (
	"context"
	"time"
)

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent describes one websocket lifecycle transition.
type WSEvent struct {
	Name        string
	ChatID      int
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
	Reason      string
}

const wsRoutingKey = "ws_events.chats"

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.Publish(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

// RecordWSEvent counts the event and publishes it to the ws_events exchange.
func RecordWSEvent(ctx context.Context, ev WSEvent) {
	IncWSEvent(ev.Name)

	durationMS := int64(0)
	if !ev.ConnectedAt.IsZero() {
		durationMS = time.Since(ev.ConnectedAt).Milliseconds()
	}
	_ = PublishEvent(ctx, wsRoutingKey, EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "chat",
				"resource_id": ev.ChatID,
				"event":       ev.Name,
				"conn_id":     ev.ConnID,
				"duration_ms": durationMS,
				"reason":      ev.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":    ev.UserID,
				"device_id":  ev.DeviceID,
				"ip":         ev.IP,
				"user_agent": ev.UserAgent,
			},
		},
	}, BuildHeaders(ev.RequestID, ev.TraceID))
}
