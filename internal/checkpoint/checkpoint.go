// Package checkpoint persists conversation snapshots keyed by conversation
// id, enabling a suspended turn to resume after arbitrary delay or a
// process restart.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fennelabs/dialect/internal/approval"
	"github.com/fennelabs/dialect/internal/conversation"
)

// ErrNotFound indicates no checkpoint exists for the conversation id.
var ErrNotFound = errors.New("checkpoint not found")

// Phase is the persisted controller position.
type Phase string

const (
	// PhaseEnd means the previous turn completed; the next external input
	// starts a fresh turn at the model state.
	PhaseEnd Phase = "end"

	// PhaseSuspended means the turn is waiting for an approval response.
	// PendingRequest and PendingCall describe the call under review.
	PhaseSuspended Phase = "suspended"
)

// Checkpoint is a durable snapshot of one conversation.
type Checkpoint struct {
	ConversationID string                 `json:"conversation_id"`
	Phase          Phase                  `json:"phase"`
	Messages       []conversation.Message `json:"messages"`
	Removed        []string               `json:"removed,omitempty"`

	// PendingRequest and PendingCall are set only while suspended, so the
	// exact pending request can be reconstructed after a restart.
	PendingRequest *approval.Request      `json:"pending_request,omitempty"`
	PendingCall    *conversation.ToolCall `json:"pending_call,omitempty"`

	// ApprovedCalls lists call ids already approved this turn, so a batch
	// with several gated calls resumes at the right one after a restart.
	ApprovedCalls []string `json:"approved_calls,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable checkpoint store. Implementations must support
// independent, non-blocking reads and writes keyed by conversation id.
type Store interface {
	// Save persists the snapshot, replacing any previous one.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the snapshot for the conversation id, or ErrNotFound.
	Load(ctx context.Context, conversationID string) (*Checkpoint, error)

	// Delete removes the snapshot. Deleting a missing id is not an error.
	Delete(ctx context.Context, conversationID string) error
}
