// Package runtime defines the progress events produced by agent executions
// and the small function types used to emit and observe them.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by an execution.
// The kind doubles as the push-protocol frame tag.
type EventKind string

const (
	// EventStatus reports a status change ("running", "queued", ...).
	EventStatus EventKind = "status"

	// EventText carries streamed assistant text.
	EventText EventKind = "text"

	// EventThinking carries streamed reasoning content.
	EventThinking EventKind = "thinking"

	// EventToolCall is emitted when a tool invocation begins.
	EventToolCall EventKind = "toolcall"

	// EventToolResult is emitted when a tool invocation completes.
	EventToolResult EventKind = "toolresult"

	// EventWorkspaceChanged signals that workspace files likely changed.
	EventWorkspaceChanged EventKind = "workspace_changed"

	// EventTurn reports turn progress (current/max).
	EventTurn EventKind = "turn"

	// EventCompaction is emitted after context compaction.
	EventCompaction EventKind = "compaction"

	// EventSessionID announces the session backing the execution.
	EventSessionID EventKind = "session_id"

	// EventDone ends the stream. It is the only terminal kind.
	EventDone EventKind = "done"

	// EventGoalStart is emitted when a mission goal begins.
	EventGoalStart EventKind = "goal_start"

	// EventGoalComplete is emitted when a mission goal completes.
	EventGoalComplete EventKind = "goal_complete"

	// EventPivot is emitted when a goal switches approach.
	EventPivot EventKind = "pivot"

	// EventGoalAbandoned is emitted when a goal is given up.
	EventGoalAbandoned EventKind = "goal_abandoned"
)

// Done statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Classified is the only view of an event the streaming layer needs:
// its frame tag and whether it ends the stream.
type Classified interface {
	Category() string
	IsTerminal() bool
}

// Event is one unit of execution progress. Events should be kept small;
// large outputs belong in storage referenced from the payload.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"type"`

	// ExecID is the execution that produced this event.
	ExecID string `json:"exec_id,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, execID string) Event {
	return Event{
		Kind:    kind,
		ExecID:  execID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// Status returns a status event.
func Status(execID, status string) Event {
	return NewEvent(EventStatus, execID).WithPayload("status", status)
}

// Text returns a streamed text event.
func Text(execID, content string) Event {
	return NewEvent(EventText, execID).WithPayload("content", content)
}

// Done returns the terminal event. err may be empty.
func Done(execID, status, err string) Event {
	e := NewEvent(EventDone, execID).WithPayload("status", status)
	if err != "" {
		e.Payload["error"] = err
	}
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Category returns the frame tag for the event.
func (e Event) Category() string {
	return string(e.Kind)
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone
}

// PayloadString returns payload[key] when it is a string.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example stamping trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// CombineDecorators applies first, then second.
func CombineDecorators(first, second EventEmitterDecorator) EventEmitterDecorator {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(emit EventEmitter) EventEmitter {
			return second(first(emit))
		}
	}
}

var _ Classified = Event{}
