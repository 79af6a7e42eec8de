// Package conversation provides the message types and the mutable-by-id
// message log that forms a conversation's ground truth.
package conversation

import (
	"strings"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is a tool invocation proposed by the model as part of an
// assistant message.
type ToolCall struct {
	// ID is unique within the owning message and correlates the call with
	// its tool-result message.
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one turn unit in a conversation.
//
// The ID is assigned at creation and never reused; it is the only valid
// handle for later removal or replacement.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set only on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set only on tool-result messages and
	// reference the ToolCall that produced them.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// NewUserMessage creates a user-role message with a fresh id.
func NewUserMessage(text string) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, Content: text}
}

// NewAssistantMessage creates an assistant-role message with a fresh id.
func NewAssistantMessage(text string, calls []ToolCall) Message {
	return Message{ID: uuid.NewString(), Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolMessage creates a tool-result message for the given call.
func NewToolMessage(call ToolCall, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// NewToolCall creates a tool call with a fresh call id.
func NewToolCall(name string, args map[string]any) ToolCall {
	return ToolCall{ID: uuid.NewString(), Name: name, Args: args}
}

// Text returns the trimmed message content.
func (m Message) Text() string {
	return strings.TrimSpace(m.Content)
}

// HasToolCalls reports whether the message carries tool-call proposals.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// clone returns a deep copy so callers cannot mutate log internals.
func (m Message) clone() Message {
	cp := m
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			cp.ToolCalls[i] = tc.Clone()
		}
	}
	return cp
}

// Clone returns a deep copy of the tool call.
func (tc ToolCall) Clone() ToolCall {
	cp := tc
	if tc.Args != nil {
		cp.Args = make(map[string]any, len(tc.Args))
		for k, v := range tc.Args {
			cp.Args[k] = v
		}
	}
	return cp
}
