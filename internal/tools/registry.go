// Package tools provides the process-wide capability registry: the set of
// tools the model may propose and the orchestrator may execute.
//
// The registry is populated once at startup from static builtins plus an
// optional external tool source, and is read-only afterwards.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnknownTool indicates a lookup or execution for a name that was never
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes a tool with already-decoded arguments and returns the
// textual result handed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one executable capability.
type Tool struct {
	Name        string
	Description string

	// InputSchema describes the argument object. Published to the model.
	InputSchema *jsonschema.Schema

	// SingleUse marks tools whose repeated invocation within one turn is
	// suppressed by the duplicate-call guard.
	SingleUse bool

	// External marks tools sourced from outside the database toolkit
	// (e.g. chart generators). Executing one of them ends the turn.
	External bool

	Handler Handler
}

// Registry maps tool names to executable handles. Safe for concurrent
// reads; Register must not be called after startup.
type Registry struct {
	order  []string
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique and handlers non-nil.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register: tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register %q: tool has no handler", t.Name)
	}
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("register %q: duplicate tool name", t.Name)
	}
	r.byName[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ExternalNames returns the names of externally sourced tools, in
// registration order. Used for forced-tool detection.
func (r *Registry) ExternalNames() []string {
	var out []string
	for _, name := range r.order {
		if r.byName[name].External {
			out = append(out, name)
		}
	}
	return out
}

// Execute runs the named tool. Unknown names return ErrUnknownTool; handler
// failures are returned as-is for the caller to convert into a tool-result
// message.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("execute %q: %w", name, ErrUnknownTool)
	}
	return t.Handler(ctx, args)
}
