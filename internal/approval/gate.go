// Package approval implements the suspension/resume protocol for tool calls
// that require human review before execution.
//
// The gate holds exactly one pending call at a time. Suspending packages the
// call as a Request for the external decision boundary; resuming applies one
// of four policies (accept, edit, ignore, respond). A malformed response
// degrades to a re-prompt instead of silently proceeding.
package approval

import (
	"errors"
	"fmt"

	"github.com/fennelabs/dialect/internal/conversation"
)

// Policy is the decision type carried by a Response.
type Policy string

const (
	PolicyAccept  Policy = "accept"
	PolicyEdit    Policy = "edit"
	PolicyIgnore  Policy = "ignore"
	PolicyRespond Policy = "respond"
)

// State of the gate for the current call instance.
type State int

const (
	// StateIdle means no call is under review.
	StateIdle State = iota
	// StateSuspended means a request has been emitted and the gate is
	// waiting for a Response. No tool may execute in this state.
	StateSuspended
	// StateResolved is terminal for one call instance; Rearm returns the
	// gate to StateIdle for the next proposal.
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSuspended:
		return "suspended"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sentinel errors for gate misuse.
var (
	ErrNotIdle      = errors.New("gate is not idle")
	ErrNotSuspended = errors.New("gate is not suspended")
)

// Action is the reviewed operation: a tool name and its arguments.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Capabilities describes which resume policies are legal for a request.
type Capabilities struct {
	Accept  bool `json:"accept"`
	Edit    bool `json:"edit"`
	Ignore  bool `json:"ignore"`
	Respond bool `json:"respond"`
}

// AllCapabilities enables every resume policy.
func AllCapabilities() Capabilities {
	return Capabilities{Accept: true, Edit: true, Ignore: true, Respond: true}
}

func (c Capabilities) allows(p Policy) bool {
	switch p {
	case PolicyAccept:
		return c.Accept
	case PolicyEdit:
		return c.Edit
	case PolicyIgnore:
		return c.Ignore
	case PolicyRespond:
		return c.Respond
	default:
		return false
	}
}

// Request is what the gate hands to the external decision boundary.
// It is consumed exactly once by the matching Response and never outlives
// one suspension.
type Request struct {
	Action       Action       `json:"action"`
	Capabilities Capabilities `json:"capabilities"`
	Description  string       `json:"description"`

	// CallID ties the request back to the pending tool call.
	CallID string `json:"call_id"`
}

// Response is the external input resolving a suspension.
//
// For edit and accept, Action optionally replaces the pending call's name
// and arguments; absent fields fall back to the original. For respond, Text
// is injected as a new user-role message.
type Response struct {
	Policy Policy  `json:"policy"`
	Action *Action `json:"action,omitempty"`
	Text   string  `json:"text,omitempty"`
}

// ResolutionKind classifies the outcome of a resume.
type ResolutionKind int

const (
	// ResolutionExecute means the (possibly edited) call should run.
	ResolutionExecute ResolutionKind = iota
	// ResolutionReprompt means no tool executes; Message is injected as a
	// user-role message and the turn returns to a fresh model call.
	ResolutionReprompt
)

// Resolution is the applied outcome of a Response.
type Resolution struct {
	Kind ResolutionKind

	// Call is the approved or edited call. Valid for ResolutionExecute.
	Call conversation.ToolCall

	// Message is the user-role text to inject. Valid for ResolutionReprompt.
	Message string
}

// Messages injected on the reprompt paths.
const (
	ignoredMessage    = "The user chose to skip this action. Do not execute it; plan a different approach."
	noDecisionMessage = "No valid approval decision was received. Please resubmit your decision."
)

// Gate is the per-conversation approval gate. It is owned by one
// orchestration controller and is not safe for concurrent use.
type Gate struct {
	state   State
	request *Request
	pending conversation.ToolCall
}

// NewGate creates an idle gate.
func NewGate() *Gate {
	return &Gate{state: StateIdle}
}

// RestoreSuspended rebuilds a gate in the suspended state from a persisted
// request and pending call. Used when resuming from a checkpoint.
func RestoreSuspended(req Request, call conversation.ToolCall) *Gate {
	r := req
	return &Gate{state: StateSuspended, request: &r, pending: call}
}

// State returns the gate's current state.
func (g *Gate) State() State { return g.state }

// Pending returns the request under review, or nil when not suspended.
func (g *Gate) Pending() *Request {
	if g.state != StateSuspended {
		return nil
	}
	r := *g.request
	return &r
}

// PendingCall returns the tool call under review. Only meaningful while
// suspended.
func (g *Gate) PendingCall() conversation.ToolCall {
	return g.pending
}

// Suspend puts the given gated call under review and returns the request
// for the external decision boundary. Fails unless the gate is idle.
func (g *Gate) Suspend(call conversation.ToolCall, description string) (*Request, error) {
	if g.state != StateIdle {
		return nil, fmt.Errorf("suspend %q: %w (state=%s)", call.Name, ErrNotIdle, g.state)
	}
	g.pending = call
	g.request = &Request{
		Action:       Action{Name: call.Name, Args: call.Args},
		Capabilities: AllCapabilities(),
		Description:  description,
		CallID:       call.ID,
	}
	g.state = StateSuspended
	r := *g.request
	return &r, nil
}

// Resolve consumes a Response and moves the gate to StateResolved.
// It never returns an execute resolution for ignore, respond, or a
// malformed response.
func (g *Gate) Resolve(resp Response) (Resolution, error) {
	if g.state != StateSuspended {
		return Resolution{}, fmt.Errorf("resolve: %w (state=%s)", ErrNotSuspended, g.state)
	}
	g.state = StateResolved

	caps := g.request.Capabilities
	if !caps.allows(resp.Policy) {
		// Unknown policy tag or a policy the request did not offer:
		// degrade to a re-prompt rather than silently proceeding.
		return Resolution{Kind: ResolutionReprompt, Message: noDecisionMessage}, nil
	}

	switch resp.Policy {
	case PolicyIgnore:
		return Resolution{Kind: ResolutionReprompt, Message: ignoredMessage}, nil

	case PolicyRespond:
		if resp.Text == "" {
			return Resolution{Kind: ResolutionReprompt, Message: noDecisionMessage}, nil
		}
		return Resolution{Kind: ResolutionReprompt, Message: resp.Text}, nil

	case PolicyAccept, PolicyEdit:
		call := g.pending.Clone()
		if resp.Action != nil {
			if resp.Action.Name != "" {
				call.Name = resp.Action.Name
			}
			if resp.Action.Args != nil {
				call.Args = resp.Action.Args
			}
		}
		return Resolution{Kind: ResolutionExecute, Call: call}, nil

	default:
		return Resolution{Kind: ResolutionReprompt, Message: noDecisionMessage}, nil
	}
}

// Rearm returns a resolved gate to idle for the next proposal.
func (g *Gate) Rearm() {
	g.state = StateIdle
	g.request = nil
	g.pending = conversation.ToolCall{}
}
