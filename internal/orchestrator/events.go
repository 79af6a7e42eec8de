package orchestrator

import (
	"github.com/fennelabs/dialect/internal/approval"
	"github.com/fennelabs/dialect/internal/conversation"
)

// EventType identifies an event on the outbound stream.
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventMessage         EventType = "message"
	EventApprovalRequest EventType = "approval_request"
	EventToolCallStart   EventType = "tool_call_start"
	EventToolCallEnd     EventType = "tool_call_end"
	EventRunError        EventType = "run_error"
	EventRunFinished     EventType = "run_finished"
)

// Run statuses carried by run_finished events.
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
)

// Event is one typed controller transition delivered to the client.
// Only the fields relevant to the event type are populated.
type Event struct {
	Type           EventType             `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Message        *conversation.Message `json:"message,omitempty"`
	Request        *approval.Request     `json:"request,omitempty"`
	ToolName       string                `json:"tool_name,omitempty"`
	CallID         string                `json:"call_id,omitempty"`
	Suppressed     bool                  `json:"suppressed,omitempty"`
	Status         string                `json:"status,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Emitter receives controller events as they occur.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// NopEmitter discards all events.
func NopEmitter() Emitter {
	return EmitterFunc(func(Event) {})
}
