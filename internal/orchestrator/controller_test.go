package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fennelabs/dialect/internal/approval"
	"github.com/fennelabs/dialect/internal/checkpoint"
	"github.com/fennelabs/dialect/internal/conversation"
	"github.com/fennelabs/dialect/internal/model"
	"github.com/fennelabs/dialect/internal/tools"
)

const chartTool = "generate_bar_chart"

type generateCall struct {
	system     string
	msgs       []conversation.Message
	constraint *model.Constraint
}

// fakeCaller replays a scripted sequence of model replies and records every
// generation request.
type fakeCaller struct {
	replies      []model.Reply
	defaultReply func() model.Reply
	calls        []generateCall
}

func (f *fakeCaller) Generate(_ context.Context, system string, msgs []conversation.Message, constraint *model.Constraint) (*model.Reply, error) {
	f.calls = append(f.calls, generateCall{system: system, msgs: msgs, constraint: constraint})
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return &r, nil
	}
	if f.defaultReply != nil {
		r := f.defaultReply()
		return &r, nil
	}
	return &model.Reply{Text: "done"}, nil
}

func (f *fakeCaller) queue(replies ...model.Reply) {
	f.replies = append(f.replies, replies...)
}

type execRecord struct {
	name string
	args map[string]any
}

// eventSink collects emitted events for assertions.
type eventSink struct {
	events []Event
}

func (s *eventSink) Emit(ev Event) { s.events = append(s.events, ev) }

func (s *eventSink) types() []EventType {
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *eventSink) count(t EventType) int {
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// testHarness wires a controller against a fake model, a recording tool
// registry, and an in-memory checkpoint store.
type testHarness struct {
	caller *fakeCaller
	store  *checkpoint.Memory
	ctrl   *Controller
	execs  *[]execRecord

	// failing maps a tool name to the error its handler returns.
	failing map[string]error
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		caller:  &fakeCaller{},
		store:   checkpoint.NewMemory(),
		execs:   &[]execRecord{},
		failing: make(map[string]error),
	}
	ctrl, err := New(Config{
		Model:         h.caller,
		Registry:      h.registry(t),
		Store:         h.store,
		MaxModelCalls: 5,
		MaxResultRows: 10,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *testHarness) loadCheckpoint(t *testing.T, id string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return cp
}

func queryCall(query string) conversation.ToolCall {
	return conversation.NewToolCall(tools.SQLQueryTool, map[string]any{"query": query})
}

func TestRunTextOnlyReply(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(model.Reply{Text: "The database has 11 tables."})
	sink := &eventSink{}

	if err := h.ctrl.Run(context.Background(), "conv-1", "what tables exist?", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []EventType{EventRunStarted, EventMessage, EventMessage, EventRunFinished}
	if !reflect.DeepEqual(sink.types(), want) {
		t.Errorf("events = %v, want %v", sink.types(), want)
	}
	last := sink.events[len(sink.events)-1]
	if last.Status != StatusCompleted {
		t.Errorf("final status = %q, want %q", last.Status, StatusCompleted)
	}

	cp := h.loadCheckpoint(t, "conv-1")
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want %q", cp.Phase, checkpoint.PhaseEnd)
	}
	if len(cp.Messages) != 2 {
		t.Errorf("checkpoint messages = %d, want 2", len(cp.Messages))
	}
}

// Scenario: a gated query proposal suspends the turn, an accept resumes it,
// the query runs with the original arguments, and the model summarizes.
func TestAcceptedQueryExecutes(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT Name FROM tracks LIMIT 5")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	sink := &eventSink{}
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "show me 5 rows from the tracks table", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Suspended: nothing executed, a request is on the stream.
	if len(*h.execs) != 0 {
		t.Fatalf("execs while suspended = %v, want none", *h.execs)
	}
	if sink.count(EventApprovalRequest) != 1 {
		t.Fatalf("approval_request events = %d, want 1", sink.count(EventApprovalRequest))
	}
	cp := h.loadCheckpoint(t, "conv-1")
	if cp.Phase != checkpoint.PhaseSuspended {
		t.Fatalf("checkpoint phase = %q, want suspended", cp.Phase)
	}
	if cp.PendingRequest.CallID != call.ID {
		t.Errorf("pending call id = %q, want %q", cp.PendingRequest.CallID, call.ID)
	}

	h.caller.queue(model.Reply{Text: "Here are the first five tracks."})
	resumeSink := &eventSink{}
	if err := h.ctrl.Resume(ctx, "conv-1", approval.Response{Policy: approval.PolicyAccept}, resumeSink); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(*h.execs))
	}
	got := (*h.execs)[0]
	if got.name != tools.SQLQueryTool {
		t.Errorf("executed tool = %q, want %q", got.name, tools.SQLQueryTool)
	}
	if got.args["query"] != "SELECT Name FROM tracks LIMIT 5" {
		t.Errorf("executed args = %v, want original query", got.args)
	}

	cp = h.loadCheckpoint(t, "conv-1")
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
	var toolMsgs, finalText int
	for _, m := range cp.Messages {
		if m.Role == conversation.RoleTool && m.ToolCallID == call.ID {
			toolMsgs++
		}
		if m.Role == conversation.RoleAssistant && m.Content == "Here are the first five tracks." {
			finalText++
		}
	}
	if toolMsgs != 1 {
		t.Errorf("tool-result messages for call = %d, want 1", toolMsgs)
	}
	if finalText != 1 {
		t.Errorf("summary messages = %d, want 1", finalText)
	}
}

// Scenario: an ignore resolution injects a skip message, the model is
// re-invoked, and no tool-result for the ignored call ever appears.
func TestIgnoredQueryNeverExecutes(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT * FROM invoices")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "dump the invoices table", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h.caller.queue(model.Reply{Text: "Understood, I will not run that query."})
	if err := h.ctrl.Resume(ctx, "conv-1", approval.Response{Policy: approval.PolicyIgnore}, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 0 {
		t.Fatalf("execs = %v, want none", *h.execs)
	}
	cp := h.loadCheckpoint(t, "conv-1")
	var skipMsg bool
	for _, m := range cp.Messages {
		if m.Role == conversation.RoleTool && m.ToolCallID == call.ID {
			t.Errorf("found tool-result message for ignored call: %+v", m)
		}
		if m.Role == conversation.RoleUser && strings.Contains(m.Content, "skip") {
			skipMsg = true
		}
	}
	if !skipMsg {
		t.Error("no user-role skip message was injected")
	}
}

func TestRespondInjectsUserText(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{queryCall("SELECT 1")}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "run something", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h.caller.queue(model.Reply{Text: "Sure, only rock albums then."})
	resp := approval.Response{Policy: approval.PolicyRespond, Text: "only include rock albums"}
	if err := h.ctrl.Resume(ctx, "conv-1", resp, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 0 {
		t.Fatalf("execs = %v, want none", *h.execs)
	}
	cp := h.loadCheckpoint(t, "conv-1")
	var found bool
	for _, m := range cp.Messages {
		if m.Role == conversation.RoleUser && m.Content == "only include rock albums" {
			found = true
		}
	}
	if !found {
		t.Error("respond text was not injected as a user message")
	}
}

func TestEditedQueryExecutesWithOverride(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT * FROM tracks")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	ctx := context.Background()
	sink := &eventSink{}

	if err := h.ctrl.Run(ctx, "conv-1", "query the tracks table", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var assistantID string
	for _, ev := range sink.events {
		if ev.Type == EventMessage && ev.Message.Role == conversation.RoleAssistant {
			assistantID = ev.Message.ID
		}
	}
	if assistantID == "" {
		t.Fatal("no assistant message event recorded")
	}

	h.caller.queue(model.Reply{Text: "Done."})
	resp := approval.Response{
		Policy: approval.PolicyEdit,
		Action: &approval.Action{Args: map[string]any{"query": "SELECT Name FROM tracks LIMIT 5"}},
	}
	if err := h.ctrl.Resume(ctx, "conv-1", resp, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(*h.execs))
	}
	if got := (*h.execs)[0].args["query"]; got != "SELECT Name FROM tracks LIMIT 5" {
		t.Errorf("executed query = %v, want the edited one", got)
	}
	if got := (*h.execs)[0].name; got != tools.SQLQueryTool {
		t.Errorf("executed tool = %q, want name to fall back to the original", got)
	}

	// The original assistant message is tombstoned, not rewritten.
	cp := h.loadCheckpoint(t, "conv-1")
	var tombstoned bool
	for _, id := range cp.Removed {
		if id == assistantID {
			tombstoned = true
		}
	}
	if !tombstoned {
		t.Error("original assistant message was not tombstoned after edit")
	}
}

func TestMalformedResponseReprompts(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{queryCall("SELECT 1")}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "run something", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h.caller.queue(model.Reply{Text: "Waiting for your decision."})
	if err := h.ctrl.Resume(ctx, "conv-1", approval.Response{Policy: "approve-ish"}, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 0 {
		t.Fatalf("execs = %v, want none", *h.execs)
	}
	cp := h.loadCheckpoint(t, "conv-1")
	var reprompt bool
	for _, m := range cp.Messages {
		if m.Role == conversation.RoleUser && strings.Contains(m.Content, "resubmit") {
			reprompt = true
		}
	}
	if !reprompt {
		t.Error("no resubmit prompt was injected for the malformed response")
	}
}

// Scenario: two chart calls in one message; the second is suppressed and
// only one chart result exists in the log. A later turn may fire the chart
// again because the guard resets on the new user message.
func TestDuplicateChartSuppressedWithinTurn(t *testing.T) {
	h := newHarness(t)
	first := conversation.NewToolCall(chartTool, map[string]any{"data": []any{1.0}})
	second := conversation.NewToolCall(chartTool, map[string]any{"data": []any{2.0}})
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{first, second}})
	sink := &eventSink{}
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "two charts please", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want exactly 1", len(*h.execs))
	}
	var suppressedEvents int
	for _, ev := range sink.events {
		if ev.Type == EventToolCallEnd && ev.Suppressed {
			suppressedEvents++
			if ev.CallID != second.ID {
				t.Errorf("suppressed call id = %q, want %q", ev.CallID, second.ID)
			}
		}
	}
	if suppressedEvents != 1 {
		t.Errorf("suppressed tool_call_end events = %d, want 1", suppressedEvents)
	}

	cp := h.loadCheckpoint(t, "conv-1")
	var results, suppressions int
	for _, m := range cp.Messages {
		if m.Role != conversation.RoleTool || m.ToolName != chartTool {
			continue
		}
		if strings.Contains(m.Content, "suppressed") {
			suppressions++
		} else {
			results++
		}
	}
	if results != 1 || suppressions != 1 {
		t.Errorf("chart results = %d, suppressions = %d, want 1 and 1", results, suppressions)
	}

	// Next turn: the guard has reset, so the chart fires again.
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{
		conversation.NewToolCall(chartTool, map[string]any{"data": []any{3.0}}),
	}})
	if err := h.ctrl.Run(ctx, "conv-1", "one more chart", nil); err != nil {
		t.Fatalf("Run() second turn error = %v", err)
	}
	if len(*h.execs) != 2 {
		t.Errorf("execs after second turn = %d, want 2", len(*h.execs))
	}
}

func TestForcedToolDataOverride(t *testing.T) {
	h := newHarness(t)
	// The model proposes the right tool but the wrong data.
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{
		conversation.NewToolCall(chartTool, map[string]any{"data": []any{9.0}, "title": "Sales"}),
	}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "use generate_bar_chart with data = [1, 2, 3]", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.caller.calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(h.caller.calls))
	}
	constraint := h.caller.calls[0].constraint
	if constraint == nil || !constraint.Forced || len(constraint.ToolNames) != 1 || constraint.ToolNames[0] != chartTool {
		t.Errorf("constraint = %+v, want forced %s", constraint, chartTool)
	}

	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(*h.execs))
	}
	got := (*h.execs)[0].args
	if !reflect.DeepEqual(got["data"], []any{1.0, 2.0, 3.0}) {
		t.Errorf("executed data = %v, want [1 2 3]", got["data"])
	}
	if got["title"] != "Sales" {
		t.Errorf("title = %v, want the model's value preserved", got["title"])
	}
}

func TestChartWishConstrainsThenRetries(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(
		model.Reply{Text: "I could not pick a chart."},
		model.Reply{Text: "No chart is available for that."},
	)
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "plot track counts by genre", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.caller.calls) != 2 {
		t.Fatalf("model calls = %d, want constrained call plus retry", len(h.caller.calls))
	}
	first := h.caller.calls[0].constraint
	if first == nil || !first.Forced {
		t.Errorf("first constraint = %+v, want forced external toolset", first)
	}
	retry := h.caller.calls[1].constraint
	if retry == nil || retry.Forced {
		t.Errorf("retry constraint = %+v, want unforced external toolset", retry)
	}
}

func TestToolFailureBecomesResultMessage(t *testing.T) {
	h := newHarness(t)
	h.failing[tools.SQLListTablesTool] = errors.New("database is locked")
	call := conversation.NewToolCall(tools.SQLListTablesTool, map[string]any{})
	h.caller.queue(
		model.Reply{ToolCalls: []conversation.ToolCall{call}},
		model.Reply{Text: "I could not inspect the database."},
	)

	if err := h.ctrl.Run(context.Background(), "conv-1", "what tables exist?", nil); err != nil {
		t.Fatalf("Run() error = %v, tool failures must not abort the turn", err)
	}

	cp := h.loadCheckpoint(t, "conv-1")
	var errMsg bool
	for _, m := range cp.Messages {
		if m.Role == conversation.RoleTool && m.ToolCallID == call.ID &&
			strings.Contains(m.Content, "database is locked") {
			errMsg = true
		}
	}
	if !errMsg {
		t.Error("tool failure was not surfaced as a tool-result message")
	}
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
}

func TestRunWhileSuspendedRejected(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{queryCall("SELECT 1")}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "run something", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	err := h.ctrl.Run(ctx, "conv-1", "another message", nil)
	if !errors.Is(err, ErrTurnSuspended) {
		t.Errorf("Run() while suspended error = %v, want ErrTurnSuspended", err)
	}
}

func TestResumeWithoutSuspension(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.Resume(context.Background(), "conv-1", approval.Response{Policy: approval.PolicyAccept}, nil)
	if !errors.Is(err, ErrNoSuspendedTurn) {
		t.Errorf("Resume() error = %v, want ErrNoSuspendedTurn", err)
	}
}

func TestAbortTombstonesProposalAndEndsTurn(t *testing.T) {
	h := newHarness(t)
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{queryCall("SELECT 1")}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "run something", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := h.ctrl.Abort(ctx, "conv-1"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	cp := h.loadCheckpoint(t, "conv-1")
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
	if len(cp.Removed) == 0 {
		t.Error("aborted proposal message was not tombstoned")
	}
	if len(*h.execs) != 0 {
		t.Errorf("execs after abort = %v, want none", *h.execs)
	}

	err := h.ctrl.Resume(ctx, "conv-1", approval.Response{Policy: approval.PolicyAccept}, nil)
	if !errors.Is(err, ErrNoSuspendedTurn) {
		t.Errorf("Resume() after abort error = %v, want ErrNoSuspendedTurn", err)
	}
}

func TestModelCallBudget(t *testing.T) {
	h := newHarness(t)
	h.caller.defaultReply = func() model.Reply {
		return model.Reply{ToolCalls: []conversation.ToolCall{
			conversation.NewToolCall(tools.SQLListTablesTool, map[string]any{}),
		}}
	}
	sink := &eventSink{}

	err := h.ctrl.Run(context.Background(), "conv-1", "loop forever", sink)
	if err == nil || !strings.Contains(err.Error(), "budget") {
		t.Fatalf("Run() error = %v, want budget exhaustion", err)
	}
	if sink.count(EventRunError) != 1 {
		t.Errorf("run_error events = %d, want 1", sink.count(EventRunError))
	}
	// State stays valid for the next turn.
	cp := h.loadCheckpoint(t, "conv-1")
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
}

func TestResumeSurvivesControllerRestart(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT Name FROM albums LIMIT 3")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "three albums please", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// A fresh controller over the same store stands in for a process
	// restart while suspended.
	restarted, err := New(Config{
		Model:    h.caller,
		Registry: h.registry(t),
		Store:    h.store,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.caller.queue(model.Reply{Text: "Here you go."})
	if err := restarted.Resume(ctx, "conv-1", approval.Response{Policy: approval.PolicyAccept}, nil); err != nil {
		t.Fatalf("Resume() after restart error = %v", err)
	}
	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(*h.execs))
	}
	if got := (*h.execs)[0].args["query"]; got != "SELECT Name FROM albums LIMIT 3" {
		t.Errorf("executed query = %v, want the suspended one", got)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	blockingCaller := &blockingFake{started: started, release: release}
	ctrl, err := New(Config{Model: blockingCaller, Registry: h.registry(t), Store: h.store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx, "conv-1", "first", nil)
	}()
	<-started

	if err := ctrl.Run(ctx, "conv-1", "second", nil); !errors.Is(err, ErrConversationBusy) {
		t.Errorf("concurrent Run() error = %v, want ErrConversationBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run() error = %v", err)
	}
}

// scriptedStore replays a fixed sequence of Load results, falling back to
// the delegate once the script is exhausted. Saves and deletes go to the
// delegate so persisted state can be inspected.
type scriptedStore struct {
	loads    []*checkpoint.Checkpoint
	delegate *checkpoint.Memory
}

func (s *scriptedStore) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	if len(s.loads) > 0 {
		cp := s.loads[0]
		s.loads = s.loads[1:]
		return cp, nil
	}
	return s.delegate.Load(ctx, id)
}

func (s *scriptedStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return s.delegate.Save(ctx, cp)
}

func (s *scriptedStore) Delete(ctx context.Context, id string) error {
	return s.delegate.Delete(ctx, id)
}

// withoutCall returns a copy of cp whose message list is missing the
// assistant message carrying the given call id.
func withoutCall(cp *checkpoint.Checkpoint, callID string) *checkpoint.Checkpoint {
	out := *cp
	out.Messages = nil
	for _, m := range cp.Messages {
		keep := true
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				keep = false
			}
		}
		if keep {
			out.Messages = append(out.Messages, m)
		}
	}
	return &out
}

// Scenario: the checkpoint loaded on resume is missing the message that
// carries the pending proposal. The controller reloads history from the
// store, finds the proposal on the second attempt, and the edited call
// executes.
func TestResumeReloadsHistoryForMissingProposal(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT * FROM tracks")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "query the tracks table", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	full := h.loadCheckpoint(t, "conv-1")
	truncated := withoutCall(full, call.ID)
	if len(truncated.Messages) >= len(full.Messages) {
		t.Fatal("truncated checkpoint still carries the proposal message")
	}

	store := &scriptedStore{
		loads:    []*checkpoint.Checkpoint{truncated, full},
		delegate: checkpoint.NewMemory(),
	}
	ctrl, err := New(Config{Model: h.caller, Registry: h.registry(t), Store: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h.caller.queue(model.Reply{Text: "Recovered."})
	resp := approval.Response{
		Policy: approval.PolicyEdit,
		Action: &approval.Action{Args: map[string]any{"query": "SELECT Name FROM tracks LIMIT 5"}},
	}
	if err := ctrl.Resume(ctx, "conv-1", resp, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(*h.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(*h.execs))
	}
	if got := (*h.execs)[0].args["query"]; got != "SELECT Name FROM tracks LIMIT 5" {
		t.Errorf("executed query = %v, want the edited one", got)
	}
	cp, err := store.delegate.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() after resume error = %v", err)
	}
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
}

// Scenario: the proposal is absent from both the resume checkpoint and the
// reloaded history. The turn fails with a typed error event, nothing
// executes, and the persisted state stays valid for the next turn.
func TestResumeFailsWhenProposalUnrecoverable(t *testing.T) {
	h := newHarness(t)
	call := queryCall("SELECT * FROM tracks")
	h.caller.queue(model.Reply{ToolCalls: []conversation.ToolCall{call}})
	ctx := context.Background()

	if err := h.ctrl.Run(ctx, "conv-1", "query the tracks table", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	full := h.loadCheckpoint(t, "conv-1")
	truncated := withoutCall(full, call.ID)

	store := &scriptedStore{
		loads:    []*checkpoint.Checkpoint{truncated, truncated},
		delegate: checkpoint.NewMemory(),
	}
	ctrl, err := New(Config{Model: h.caller, Registry: h.registry(t), Store: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sink := &eventSink{}
	resp := approval.Response{
		Policy: approval.PolicyEdit,
		Action: &approval.Action{Args: map[string]any{"query": "SELECT Name FROM tracks LIMIT 5"}},
	}
	err = ctrl.Resume(ctx, "conv-1", resp, sink)
	if !errors.Is(err, conversation.ErrUnknownID) {
		t.Fatalf("Resume() error = %v, want ErrUnknownID", err)
	}

	if len(*h.execs) != 0 {
		t.Errorf("execs = %v, want none", *h.execs)
	}
	if sink.count(EventRunError) != 1 {
		t.Errorf("run_error events = %d, want 1", sink.count(EventRunError))
	}
	cp, err := store.delegate.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() after failed resume error = %v", err)
	}
	if cp.Phase != checkpoint.PhaseEnd {
		t.Errorf("checkpoint phase = %q, want end", cp.Phase)
	}
	if len(cp.Messages) == 0 {
		t.Error("persisted state lost its messages after the failed resume")
	}
}

// blockingFake parks the first generation until released, so a test can
// observe the conversation lock being held.
type blockingFake struct {
	started chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingFake) Generate(context.Context, string, []conversation.Message, *model.Constraint) (*model.Reply, error) {
	if !b.once {
		b.once = true
		close(b.started)
		<-b.release
	}
	return &model.Reply{Text: "ok"}, nil
}

// registry rebuilds a registry wired to the harness recorders, for tests
// that construct extra controllers.
func (h *testHarness) registry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	record := func(name string) tools.Handler {
		return func(_ context.Context, args map[string]any) (string, error) {
			if err := h.failing[name]; err != nil {
				return "", err
			}
			*h.execs = append(*h.execs, execRecord{name: name, args: args})
			return name + " ok", nil
		}
	}
	for _, name := range []string{tools.SQLListTablesTool, tools.SQLSchemaTool, tools.SQLQueryCheckerTool, tools.SQLQueryTool} {
		if err := reg.Register(tools.Tool{Name: name, Description: name, Handler: record(name)}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	if err := reg.Register(tools.Tool{
		Name: chartTool, Description: "renders a bar chart",
		SingleUse: true, External: true, Handler: record(chartTool),
	}); err != nil {
		t.Fatalf("Register(%s) error = %v", chartTool, err)
	}
	return reg
}

func TestDescribeAction(t *testing.T) {
	got := describeAction(queryCall("SELECT 1"))
	if !strings.Contains(got, "SELECT 1") {
		t.Errorf("describeAction() = %q, want the query text included", got)
	}
	got = describeAction(conversation.NewToolCall("other_tool", nil))
	if !strings.Contains(got, "other_tool") {
		t.Errorf("describeAction() = %q, want the tool name included", got)
	}
}
