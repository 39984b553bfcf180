package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentCreated       EventType = "agent.created"
	EventAgentRemoved       EventType = "agent.removed"
	EventAgentHealthChanged EventType = "agent.health_changed"
	EventBreakerChanged     EventType = "breaker.state_changed"
	EventScalingDecision    EventType = "scaling.decision"
	EventRequestQueued      EventType = "request.queued"
	EventRequestCompleted   EventType = "request.completed"
	EventRequestFailed      EventType = "request.failed"
	EventQueueTimeout       EventType = "queue.timeout"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for orchestrator events.
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

// NewEvent marshals payload into an Event stamped with the current time.
// A payload that cannot be marshalled is dropped; the event is still delivered.
func NewEvent(t EventType, payload any) Event {
	evt := Event{Type: t, Timestamp: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
}

// PublishEvent publishes on bus when it is non-nil.
func PublishEvent(ctx context.Context, bus EventBus, t EventType, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, NewEvent(t, payload))
}

// AgentEventPayload accompanies agent.* events.
type AgentEventPayload struct {
	AgentID string `json:"agentId"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// BreakerEventPayload accompanies breaker.state_changed.
type BreakerEventPayload struct {
	Capability string       `json:"capability"`
	From       BreakerState `json:"from"`
	To         BreakerState `json:"to"`
}

// RequestEventPayload accompanies request.* and queue.timeout events.
type RequestEventPayload struct {
	RequestID  string    `json:"requestId"`
	UserID     string    `json:"userId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	FromCache  bool      `json:"fromCache,omitempty"`
	RetryCount int       `json:"retryCount,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Code       ErrorCode `json:"code,omitempty"`
	QueueDepth int       `json:"queueDepth,omitempty"`
}
