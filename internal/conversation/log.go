package conversation

import (
	"errors"
	"fmt"
)

// Sentinel errors for log operations.
var (
	// ErrDuplicateID indicates an append reused an existing message id.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrUnknownID indicates the referenced message id is not current.
	ErrUnknownID = errors.New("unknown message id")
)

// Log is the ordered, mutable-by-id message log for one conversation.
//
// The log is append-only except for one mutation primitive: RemoveByID
// tombstones a message so it is excluded from future model context without
// physically reordering prior entries. Replacing a message's tool calls is
// always remove-then-append with a fresh id; the log never mutates a
// message's fields in place, which keeps history reconstructable.
//
// Log is not safe for concurrent use; the orchestration controller is the
// only writer and is strictly sequential per conversation.
type Log struct {
	entries []Message
	removed map[string]bool
	ids     map[string]bool
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		removed: make(map[string]bool),
		ids:     make(map[string]bool),
	}
}

// Restore rebuilds a log from a persisted snapshot. Entries must be in
// original append order; removed lists tombstoned ids.
func Restore(entries []Message, removed []string) (*Log, error) {
	l := NewLog()
	for _, m := range entries {
		if err := l.Append(m); err != nil {
			return nil, fmt.Errorf("restore log: %w", err)
		}
	}
	for _, id := range removed {
		l.removed[id] = true
	}
	return l, nil
}

// Append adds a message to the tail of the log.
// Returns ErrDuplicateID if the message id was ever used before.
func (l *Log) Append(m Message) error {
	if m.ID == "" {
		return fmt.Errorf("append: message has no id")
	}
	if l.ids[m.ID] {
		return fmt.Errorf("append %q: %w", m.ID, ErrDuplicateID)
	}
	l.ids[m.ID] = true
	l.entries = append(l.entries, m.clone())
	return nil
}

// RemoveByID tombstones the message with the given id. The entry stays in
// the underlying slice for audit but is excluded from Messages and lookups.
// Returns ErrUnknownID if the id is not currently resolvable.
func (l *Log) RemoveByID(id string) error {
	if !l.ids[id] || l.removed[id] {
		return fmt.Errorf("remove %q: %w", id, ErrUnknownID)
	}
	l.removed[id] = true
	return nil
}

// ReplaceToolCalls replaces the tool calls of the message with the given id
// by tombstoning it and appending a new message with the same role and
// content but a fresh id. Returns the replacement message.
func (l *Log) ReplaceToolCalls(id string, calls []ToolCall) (Message, error) {
	old, ok := l.byID(id)
	if !ok {
		return Message{}, fmt.Errorf("replace tool calls %q: %w", id, ErrUnknownID)
	}
	if err := l.RemoveByID(id); err != nil {
		return Message{}, err
	}
	replacement := NewAssistantMessage(old.Content, calls)
	replacement.Role = old.Role
	if err := l.Append(replacement); err != nil {
		return Message{}, err
	}
	return replacement.clone(), nil
}

// Messages returns the current (non-tombstoned) messages in order.
// The returned slice and its contents are copies.
func (l *Log) Messages() []Message {
	out := make([]Message, 0, len(l.entries))
	for _, m := range l.entries {
		if l.removed[m.ID] {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// All returns every entry ever appended, including tombstoned ones, plus
// the tombstone set. Used for checkpointing and audit.
func (l *Log) All() (entries []Message, removed []string) {
	entries = make([]Message, 0, len(l.entries))
	for _, m := range l.entries {
		entries = append(entries, m.clone())
	}
	removed = make([]string, 0, len(l.removed))
	for id := range l.removed {
		removed = append(removed, id)
	}
	return entries, removed
}

// LastAssistantWithToolCalls returns the most recent current assistant
// message carrying tool-call proposals.
func (l *Log) LastAssistantWithToolCalls() (Message, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		m := l.entries[i]
		if l.removed[m.ID] {
			continue
		}
		if m.HasToolCalls() {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// LastUserText returns the text of the most recent current user message.
func (l *Log) LastUserText() string {
	for i := len(l.entries) - 1; i >= 0; i-- {
		m := l.entries[i]
		if l.removed[m.ID] {
			continue
		}
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// Contains reports whether id resolves to a current (non-tombstoned) message.
func (l *Log) Contains(id string) bool {
	_, ok := l.byID(id)
	return ok
}

// Len returns the number of current messages.
func (l *Log) Len() int {
	n := 0
	for _, m := range l.entries {
		if !l.removed[m.ID] {
			n++
		}
	}
	return n
}

func (l *Log) byID(id string) (Message, bool) {
	if !l.ids[id] || l.removed[id] {
		return Message{}, false
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return l.entries[i], true
		}
	}
	return Message{}, false
}
