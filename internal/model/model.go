// Package model wraps the LLM behind a narrow interface. The orchestrator
// only ever asks for one generation at a time and executes tool calls
// itself, so the interface exposes tool requests instead of running them.
package model

import (
	"context"

	"github.com/fennelabs/dialect/internal/conversation"
)

// Constraint narrows a generation to a subset of tools. When Forced is set
// the model must call one of the listed tools rather than answer in text.
type Constraint struct {
	ToolNames []string
	Forced    bool
}

// Reply is the model's answer to a single generation request. Text and
// ToolCalls are not mutually exclusive; some models emit both.
type Reply struct {
	Text      string
	ToolCalls []conversation.ToolCall
}

// Caller produces one model reply for the given history. Implementations
// must not execute tool calls; requested calls are surfaced in the Reply
// for the caller to act on.
type Caller interface {
	Generate(ctx context.Context, system string, msgs []conversation.Message, constraint *Constraint) (*Reply, error)
}
