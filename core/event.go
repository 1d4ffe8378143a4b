package core

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies an event by the subsystem concern it belongs to.
type Category string

// Event categories. Stream events are transient deltas and are never
// persisted; message/state/turn events survive into the session log.
const (
	CategoryStream    Category = "stream"
	CategoryState     Category = "state"
	CategoryMessage   Category = "message"
	CategoryTurn      Category = "turn"
	CategoryLifecycle Category = "lifecycle"
	CategoryPersist   Category = "persist"
	CategoryCommand   Category = "command"
	CategoryResponse  Category = "response"
	CategoryError     Category = "error"
)

// Intent describes the role an event plays in a request/response exchange.
type Intent string

const (
	IntentNotification Intent = "notification"
	IntentRequest      Intent = "request"
	IntentResult       Intent = "result"
)

// EventContext locates an event within the container/image/agent/session
// hierarchy. All fields are optional; empty strings mean "not applicable".
type EventContext struct {
	ContainerID string `json:"containerId,omitempty"`
	ImageID     string `json:"imageId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Event is the envelope exchanged on the bus and, bit-for-bit, over the
// peer transport. After emission it must be treated as immutable. Ordering
// within one agent's turn is significant; ordering across agents is not.
//
// Events with Broadcastable=false are internal and must never be forwarded
// to remote subscribers.
type Event struct {
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
	Source        string         `json:"source,omitempty"`
	Category      Category       `json:"category"`
	Intent        Intent         `json:"intent"`
	Context       *EventContext  `json:"context,omitempty"`
	Broadcastable bool           `json:"broadcastable,omitempty"`
}

// NewEvent creates a notification event authored by source.
func NewEvent(eventType, source string, category Category) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Category:  category,
		Intent:    IntentNotification,
		Data:      map[string]any{},
	}
}

// NewRequestEvent creates a command request carrying a correlation id. The
// router guarantees exactly one matching response per request id.
func NewRequestEvent(eventType, source, requestID string, params map[string]any) Event {
	e := NewEvent(eventType, source, CategoryCommand)
	e.Intent = IntentRequest
	if params != nil {
		e.Data = params
	}
	e.Data["requestId"] = requestID
	return e
}

// NewResponseEvent creates the result counterpart of a request event.
func NewResponseEvent(eventType, source, requestID string, result map[string]any) Event {
	e := NewEvent(eventType, source, CategoryResponse)
	e.Intent = IntentResult
	if result != nil {
		e.Data = result
	}
	e.Data["requestId"] = requestID
	return e
}

// WithContext returns a copy of the event bound to the given hierarchy
// coordinates. The receiver is not modified.
func (e Event) WithContext(ctx EventContext) Event {
	c := ctx
	e.Context = &c
	return e
}

// RequestID returns the correlation id carried in Data, or "".
func (e Event) RequestID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["requestId"].(string)
	return id
}

// NewID generates a unique identifier for events, messages, agents and
// connections.
func NewID() string { return uuid.NewString() }
