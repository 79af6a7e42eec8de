package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Snapshots are copied through JSON on the
// way in and out so callers can never alias the stored state.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return fmt.Errorf("save checkpoint: empty conversation id")
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	m.mu.Lock()
	m.data[cp.ConversationID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, conversationID string) (*Checkpoint, error) {
	m.mu.RLock()
	raw, ok := m.data[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	delete(m.data, conversationID)
	m.mu.Unlock()
	return nil
}
