package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived EventType = "message.received"

	// Task lifecycle events.
	EventTaskSubmitted    EventType = "task.submitted"
	EventTaskStateChanged EventType = "task.state.changed"
	EventTaskProgress     EventType = "task.progress"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskCancelled    EventType = "task.cancelled"

	// Clarification round-trips.
	EventClarificationAsked    EventType = "task.clarification.asked"
	EventClarificationReceived EventType = "task.clarification.received"

	// Routing and registry events.
	EventTaskRouted        EventType = "task.routed"
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentUnregistered EventType = "agent.unregistered"

	// Tool bridge events.
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"

	// Reasoning events.
	EventReasoningStarted   EventType = "reasoning.call.started"
	EventReasoningCompleted EventType = "reasoning.call.completed"

	// Remote dispatch events.
	EventRemoteDispatched  EventType = "remote.dispatched"
	EventRemoteUnavailable EventType = "remote.unavailable"
)

// Event is the envelope published on the event bus. TaskID and ConversationID
// correlate an event with the work that produced it; either may be empty for
// process-level events such as agent registration.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	TaskID         string          `json:"task_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events. This is
// process-wide telemetry, distinct from the per-task ordered event stream the
// executor hands its single consumer.
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
