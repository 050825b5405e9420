package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStreamStarted    EventType = "stream.started"
	EventStreamSnapshot   EventType = "stream.snapshot"
	EventStreamCompleted  EventType = "stream.completed"
	EventStreamCancelled  EventType = "stream.cancelled"
	EventStreamError      EventType = "stream.error"
	EventToolApprovalReq  EventType = "tool.approval.request"
	EventToolApprovalResp EventType = "tool.approval.response"
	EventMessageStored    EventType = "message.stored"
)

// EventForState maps a snapshot's state onto the event announcing it.
func EventForState(s StreamState) EventType {
	switch s {
	case StateCompleted:
		return EventStreamCompleted
	case StateCancelled:
		return EventStreamCancelled
	case StateFailed:
		return EventStreamError
	default:
		return EventStreamSnapshot
	}
}

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that cannot be
// marshalled produces an event without one.
func NewEvent(t EventType, conversationID, messageID string, payload any) Event {
	ev := Event{
		Type:           t,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		MessageID:      messageID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
