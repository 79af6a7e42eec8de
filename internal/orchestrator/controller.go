// Package orchestrator drives the conversation control loop: model calls,
// tool-call review, the approval gate, duplicate suppression, and the
// message log, persisting a checkpoint at every turn boundary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fennelabs/dialect/internal/approval"
	"github.com/fennelabs/dialect/internal/checkpoint"
	"github.com/fennelabs/dialect/internal/conversation"
	"github.com/fennelabs/dialect/internal/log"
	"github.com/fennelabs/dialect/internal/model"
	"github.com/fennelabs/dialect/internal/tools"
)

// Sentinel errors surfaced to the transport layer.
var (
	// ErrConversationBusy means another run for the same conversation id is
	// still in flight.
	ErrConversationBusy = errors.New("conversation is already processing")

	// ErrTurnSuspended means a new message arrived while the turn is
	// waiting for an approval response.
	ErrTurnSuspended = errors.New("turn is suspended awaiting approval")

	// ErrNoSuspendedTurn means a resume arrived for a conversation with no
	// pending approval.
	ErrNoSuspendedTurn = errors.New("no suspended turn to resume")
)

const defaultMaxModelCalls = 8

// The behavioral instructions injected on every model call. The row cap is
// substituted from configuration.
const systemPromptFmt = `You are an agent designed to interact with a SQL database.
Given an input question, create a syntactically correct SQLite query to run, look at the results, and answer the question.
Unless the user specifies a number of examples to obtain, limit your query to at most %d results.
Never issue INSERT, UPDATE, DELETE, DROP or any other data-modifying statement.
Always begin by listing the tables in the database, then inspect the schema of the most relevant tables.
Validate every query with the query checker tool before executing it.
Only select the columns relevant to the question, never all columns of a table.`

// Config holds the controller's collaborators.
type Config struct {
	Model    model.Caller
	Registry *tools.Registry
	Store    checkpoint.Store
	Logger   log.Logger

	// MaxModelCalls caps model invocations per turn.
	MaxModelCalls int

	// MaxResultRows is substituted into the behavioral instructions.
	MaxResultRows int
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model caller is required")
	}
	if cfg.Registry == nil {
		return errors.New("tool registry is required")
	}
	if cfg.Store == nil {
		return errors.New("checkpoint store is required")
	}
	return nil
}

// Controller runs one state machine instance per conversation id. Different
// conversations proceed fully concurrently; within one conversation
// execution is strictly sequential, enforced by a per-id lock.
type Controller struct {
	model         model.Caller
	registry      *tools.Registry
	store         checkpoint.Store
	logger        log.Logger
	maxModelCalls int
	systemPrompt  string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	maxCalls := cfg.MaxModelCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxModelCalls
	}
	maxRows := cfg.MaxResultRows
	if maxRows <= 0 {
		maxRows = 10
	}
	return &Controller{
		model:         cfg.Model,
		registry:      cfg.Registry,
		store:         cfg.Store,
		logger:        logger,
		maxModelCalls: maxCalls,
		systemPrompt:  fmt.Sprintf(systemPromptFmt, maxRows),
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// phase is the controller's position within a turn.
type phase int

const (
	phaseModel phase = iota
	phaseReview
	phaseTools
	phaseSuspend
	phaseEnd
)

// run is the in-flight state of one turn for one conversation.
type run struct {
	id       string
	log      *conversation.Log
	gate     *approval.Gate
	guard    *callGuard
	approved map[string]bool
	emit     Emitter

	// pending is the gated call selected by the review step, consumed by
	// the suspend step.
	pending conversation.ToolCall

	modelCalls int
}

func (r *run) append(m conversation.Message) error {
	if err := r.log.Append(m); err != nil {
		return err
	}
	msg := m
	r.emit.Emit(Event{Type: EventMessage, ConversationID: r.id, Message: &msg})
	return nil
}

func (c *Controller) lock(conversationID string) (*sync.Mutex, error) {
	c.mu.Lock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[conversationID] = l
	}
	c.mu.Unlock()
	if !l.TryLock() {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationBusy)
	}
	return l, nil
}

// Run starts a new turn for the conversation with the given user text and
// drives it until it ends or suspends. Events are delivered to emit as the
// turn progresses.
func (c *Controller) Run(ctx context.Context, conversationID, userText string, emit Emitter) error {
	if emit == nil {
		emit = NopEmitter()
	}
	l, err := c.lock(conversationID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	cp, err := c.store.Load(ctx, conversationID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	r := &run{
		id:       conversationID,
		log:      conversation.NewLog(),
		gate:     approval.NewGate(),
		guard:    newCallGuard(),
		approved: make(map[string]bool),
		emit:     emit,
	}
	if cp != nil {
		if cp.Phase == checkpoint.PhaseSuspended {
			return fmt.Errorf("%s: %w", conversationID, ErrTurnSuspended)
		}
		r.log, err = conversation.Restore(cp.Messages, cp.Removed)
		if err != nil {
			return fmt.Errorf("restore conversation: %w", err)
		}
	}

	emit.Emit(Event{Type: EventRunStarted, ConversationID: conversationID})
	if err := r.append(conversation.NewUserMessage(userText)); err != nil {
		return c.failTurn(ctx, r, err)
	}
	return c.loop(ctx, r, phaseModel)
}

// Resume applies an approval response to a suspended turn and drives the
// turn onward until it ends or suspends again.
func (c *Controller) Resume(ctx context.Context, conversationID string, resp approval.Response, emit Emitter) error {
	if emit == nil {
		emit = NopEmitter()
	}
	l, err := c.lock(conversationID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	cp, err := c.store.Load(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("%s: %w", conversationID, ErrNoSuspendedTurn)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Phase != checkpoint.PhaseSuspended || cp.PendingRequest == nil || cp.PendingCall == nil {
		return fmt.Errorf("%s: %w", conversationID, ErrNoSuspendedTurn)
	}

	r, err := c.restoreRun(cp, emit)
	if err != nil {
		return err
	}

	emit.Emit(Event{Type: EventRunStarted, ConversationID: conversationID})

	resolution, err := r.gate.Resolve(resp)
	if err != nil {
		return c.failTurn(ctx, r, err)
	}
	r.gate.Rearm()

	if resolution.Kind == approval.ResolutionReprompt {
		if err := r.append(conversation.NewUserMessage(resolution.Message)); err != nil {
			return c.failTurn(ctx, r, err)
		}
		return c.loop(ctx, r, phaseModel)
	}

	if err := c.applyApprovedCall(ctx, r, *cp.PendingCall, resolution.Call); err != nil {
		return c.failTurn(ctx, r, err)
	}
	r.approved[resolution.Call.ID] = true
	return c.loop(ctx, r, phaseReview)
}

// Abort abandons the current turn: the last assistant message carrying
// proposals is tombstoned, nothing executes, and the conversation returns
// to the end state ready for the next input.
func (c *Controller) Abort(ctx context.Context, conversationID string) error {
	l, err := c.lock(conversationID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	cp, err := c.store.Load(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	lg, err := conversation.Restore(cp.Messages, cp.Removed)
	if err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	if msg, ok := lg.LastAssistantWithToolCalls(); ok {
		if err := lg.RemoveByID(msg.ID); err != nil {
			return err
		}
	}

	r := &run{id: conversationID, log: lg, emit: NopEmitter(), approved: make(map[string]bool)}
	return c.saveCheckpoint(ctx, r, checkpoint.PhaseEnd, nil, nil)
}

// restoreRun rebuilds the in-flight state from a suspended checkpoint.
func (c *Controller) restoreRun(cp *checkpoint.Checkpoint, emit Emitter) (*run, error) {
	lg, err := conversation.Restore(cp.Messages, cp.Removed)
	if err != nil {
		return nil, fmt.Errorf("restore conversation: %w", err)
	}
	approved := make(map[string]bool, len(cp.ApprovedCalls))
	for _, id := range cp.ApprovedCalls {
		approved[id] = true
	}
	return &run{
		id:       cp.ConversationID,
		log:      lg,
		gate:     approval.RestoreSuspended(*cp.PendingRequest, *cp.PendingCall),
		guard:    newCallGuard(),
		approved: approved,
		emit:     emit,
	}, nil
}

// applyApprovedCall rewrites the proposal when the approval edited its name
// or arguments. The log is never mutated in place: the assistant message is
// tombstoned and re-appended with the edited call list.
//
// If the proposal's message id is no longer resolvable in the live log, the
// history is reconstructed from the checkpoint store and the lookup retried
// once before giving up.
func (c *Controller) applyApprovedCall(ctx context.Context, r *run, original, approvedCall conversation.ToolCall) error {
	if approvedCall.Name == original.Name && reflect.DeepEqual(approvedCall.Args, original.Args) {
		return nil
	}

	msg, ok := findMessageWithCall(r.log, original.ID)
	if !ok {
		cp, err := c.store.Load(ctx, r.id)
		if err != nil {
			return fmt.Errorf("proposal %s not in history and reload failed: %w", original.ID, err)
		}
		lg, err := conversation.Restore(cp.Messages, cp.Removed)
		if err != nil {
			return fmt.Errorf("reconstruct history: %w", err)
		}
		r.log = lg
		if msg, ok = findMessageWithCall(r.log, original.ID); !ok {
			return fmt.Errorf("proposal %s not found in history: %w", original.ID, conversation.ErrUnknownID)
		}
	}

	calls := make([]conversation.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == original.ID {
			calls[i] = approvedCall
		} else {
			calls[i] = tc.Clone()
		}
	}
	replacement, err := r.log.ReplaceToolCalls(msg.ID, calls)
	if err != nil {
		return err
	}
	r.emit.Emit(Event{Type: EventMessage, ConversationID: r.id, Message: &replacement})
	return nil
}

func findMessageWithCall(lg *conversation.Log, callID string) (conversation.Message, bool) {
	for _, m := range lg.Messages() {
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return m, true
			}
		}
	}
	return conversation.Message{}, false
}

// loop advances the state machine until the turn ends, suspends, or fails.
func (c *Controller) loop(ctx context.Context, r *run, ph phase) error {
	for {
		var err error
		switch ph {
		case phaseModel:
			ph, err = c.modelStep(ctx, r)
		case phaseReview:
			ph, err = c.reviewStep(r)
		case phaseTools:
			ph, err = c.toolsStep(ctx, r)
		case phaseSuspend:
			return c.suspendTurn(ctx, r)
		case phaseEnd:
			return c.finishTurn(ctx, r)
		}
		if err != nil {
			return c.failTurn(ctx, r, err)
		}
	}
}

// modelStep invokes the model with the current history plus the behavioral
// instructions and appends the reply. Forced-tool mode and the chart nudge
// only apply when the latest message is user input.
func (c *Controller) modelStep(ctx context.Context, r *run) (phase, error) {
	if r.modelCalls >= c.maxModelCalls {
		return 0, fmt.Errorf("model call budget exhausted after %d calls", r.modelCalls)
	}

	msgs := r.log.Messages()
	external := c.registry.ExternalNames()

	var constraint *model.Constraint
	var forced *forcedTool
	if latestIsUser(msgs) {
		userText := r.log.LastUserText()
		if forced = detectForcedTool(userText, external); forced != nil {
			constraint = &model.Constraint{ToolNames: []string{forced.Name}, Forced: true}
		} else if wantsChart(userText) && len(external) > 0 {
			constraint = &model.Constraint{ToolNames: external, Forced: true}
		}
	}

	r.modelCalls++
	reply, err := c.model.Generate(ctx, c.systemPrompt, msgs, constraint)
	if err != nil {
		return 0, fmt.Errorf("model call failed: %w", err)
	}

	// The chart nudge is best effort: when the constrained call yields no
	// tool call, retry once with the external toolset merely offered.
	if forced == nil && constraint != nil && constraint.Forced && len(reply.ToolCalls) == 0 {
		r.modelCalls++
		reply, err = c.model.Generate(ctx, c.systemPrompt, msgs, &model.Constraint{ToolNames: external})
		if err != nil {
			return 0, fmt.Errorf("model call failed: %w", err)
		}
	}

	msg := conversation.NewAssistantMessage(reply.Text, reply.ToolCalls)
	if err := r.append(msg); err != nil {
		return 0, err
	}
	if !msg.HasToolCalls() {
		return phaseEnd, nil
	}

	if forced != nil && forced.HasData {
		if err := c.repairForcedArgs(r, msg, forced); err != nil {
			return 0, err
		}
	}
	return phaseReview, nil
}

// repairForcedArgs deterministically rewrites proposals whose data argument
// does not match the override captured from the user's text.
func (c *Controller) repairForcedArgs(r *run, msg conversation.Message, forced *forcedTool) error {
	changed := false
	calls := make([]conversation.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		calls[i] = tc.Clone()
		if tc.Name == forced.Name && !reflect.DeepEqual(tc.Args["data"], forced.Data) {
			calls[i].Args = overrideData(calls[i].Args, forced.Data)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	replacement, err := r.log.ReplaceToolCalls(msg.ID, calls)
	if err != nil {
		return err
	}
	c.logger.Debug("rewrote forced tool arguments", "conversation_id", r.id, "tool", forced.Name)
	r.emit.Emit(Event{Type: EventMessage, ConversationID: r.id, Message: &replacement})
	return nil
}

// reviewStep classifies the latest proposals. The first gated proposal that
// has not been approved yet suspends the turn; batches with several gated
// calls are resolved one at a time.
func (c *Controller) reviewStep(r *run) (phase, error) {
	msg, ok := r.log.LastAssistantWithToolCalls()
	if !ok {
		return phaseEnd, nil
	}
	for _, call := range msg.ToolCalls {
		if requiresApproval(call.Name) && !r.approved[call.ID] {
			r.pending = call
			return phaseSuspend, nil
		}
	}
	return phaseTools, nil
}

// toolsStep executes the latest proposals in order, subject to the
// duplicate-call guard. Tool failures become tool-result messages; they
// never abort the turn. An executed external single-use tool ends the turn.
func (c *Controller) toolsStep(ctx context.Context, r *run) (phase, error) {
	msg, ok := r.log.LastAssistantWithToolCalls()
	if !ok {
		return phaseEnd, nil
	}

	endTurn := false
	for _, call := range msg.ToolCalls {
		t, known := c.registry.Lookup(call.Name)
		if !known {
			if err := r.append(conversation.NewToolMessage(call,
				fmt.Sprintf("Error: tool %q is not available.", call.Name))); err != nil {
				return 0, err
			}
			continue
		}

		if t.SingleUse && r.guard.firedAlready(call.Name) {
			if err := r.append(conversation.NewToolMessage(call,
				fmt.Sprintf("Call to %s was suppressed: this single-use tool already ran in this turn.", call.Name))); err != nil {
				return 0, err
			}
			r.emit.Emit(Event{Type: EventToolCallEnd, ConversationID: r.id,
				ToolName: call.Name, CallID: call.ID, Suppressed: true})
			continue
		}

		r.emit.Emit(Event{Type: EventToolCallStart, ConversationID: r.id,
			ToolName: call.Name, CallID: call.ID})

		output, err := c.registry.Execute(ctx, call.Name, call.Args)
		if err != nil {
			c.logger.Warn("tool execution failed",
				"conversation_id", r.id, "tool", call.Name, "error", err)
			output = fmt.Sprintf("Error: %v", err)
		}
		if err := r.append(conversation.NewToolMessage(call, output)); err != nil {
			return 0, err
		}
		r.emit.Emit(Event{Type: EventToolCallEnd, ConversationID: r.id,
			ToolName: call.Name, CallID: call.ID})

		if err == nil && t.SingleUse {
			r.guard.record(call.Name)
			if t.External {
				endTurn = true
			}
		}
	}

	if endTurn {
		return phaseEnd, nil
	}
	return phaseModel, nil
}

// suspendTurn puts the pending gated call through the approval gate,
// persists a suspended checkpoint, and returns control to the caller. No
// tool executes until a matching resume arrives.
func (c *Controller) suspendTurn(ctx context.Context, r *run) error {
	req, err := r.gate.Suspend(r.pending, describeAction(r.pending))
	if err != nil {
		return c.failTurn(ctx, r, err)
	}
	call := r.pending
	if err := c.saveCheckpoint(ctx, r, checkpoint.PhaseSuspended, req, &call); err != nil {
		return c.failTurn(ctx, r, err)
	}
	r.emit.Emit(Event{Type: EventApprovalRequest, ConversationID: r.id, Request: req})
	r.emit.Emit(Event{Type: EventRunFinished, ConversationID: r.id, Status: StatusSuspended})
	c.logger.Info("turn suspended for approval",
		"conversation_id", r.id, "tool", call.Name, "call_id", call.ID)
	return nil
}

func (c *Controller) finishTurn(ctx context.Context, r *run) error {
	if err := c.saveCheckpoint(ctx, r, checkpoint.PhaseEnd, nil, nil); err != nil {
		return c.failTurn(ctx, r, err)
	}
	r.emit.Emit(Event{Type: EventRunFinished, ConversationID: r.id, Status: StatusCompleted})
	return nil
}

// failTurn delivers the error as a typed event and leaves the persisted
// state valid for the next turn.
func (c *Controller) failTurn(ctx context.Context, r *run, cause error) error {
	r.emit.Emit(Event{Type: EventRunError, ConversationID: r.id, Error: cause.Error()})
	c.logger.Error("turn failed", "conversation_id", r.id, "error", cause)
	if err := c.saveCheckpoint(ctx, r, checkpoint.PhaseEnd, nil, nil); err != nil {
		c.logger.Error("failed to checkpoint after turn error",
			"conversation_id", r.id, "error", err)
	}
	return cause
}

func (c *Controller) saveCheckpoint(ctx context.Context, r *run, ph checkpoint.Phase, req *approval.Request, call *conversation.ToolCall) error {
	entries, removed := r.log.All()
	approvedIDs := make([]string, 0, len(r.approved))
	for id := range r.approved {
		approvedIDs = append(approvedIDs, id)
	}
	cp := &checkpoint.Checkpoint{
		ConversationID: r.id,
		Phase:          ph,
		Messages:       entries,
		Removed:        removed,
		PendingRequest: req,
		PendingCall:    call,
		ApprovedCalls:  approvedIDs,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := c.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func describeAction(call conversation.ToolCall) string {
	if call.Name == tools.SQLQueryTool {
		if q, ok := call.Args["query"].(string); ok && q != "" {
			return fmt.Sprintf("Execute the SQL query %q against the database.", q)
		}
		return "Execute a SQL query against the database."
	}
	return fmt.Sprintf("Run tool %q with the proposed arguments.", call.Name)
}

func latestIsUser(msgs []conversation.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	return msgs[len(msgs)-1].Role == conversation.RoleUser
}
