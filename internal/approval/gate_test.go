package approval

import (
	"errors"
	"testing"

	"github.com/fennelabs/dialect/internal/conversation"
)

func pendingCall() conversation.ToolCall {
	return conversation.NewToolCall("sql_db_query", map[string]any{
		"query": "SELECT Name FROM tracks LIMIT 5",
	})
}

func suspendedGate(t *testing.T) *Gate {
	t.Helper()
	g := NewGate()
	if _, err := g.Suspend(pendingCall(), "confirm before running SQL"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	return g
}

func TestSuspendEmitsRequest(t *testing.T) {
	g := NewGate()
	call := pendingCall()

	req, err := g.Suspend(call, "confirm before running SQL")
	if err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	if g.State() != StateSuspended {
		t.Errorf("State() = %s, want suspended", g.State())
	}
	if req.Action.Name != "sql_db_query" {
		t.Errorf("request action = %q, want sql_db_query", req.Action.Name)
	}
	if req.CallID != call.ID {
		t.Errorf("request call id = %q, want %q", req.CallID, call.ID)
	}
	caps := req.Capabilities
	if !caps.Accept || !caps.Edit || !caps.Ignore || !caps.Respond {
		t.Errorf("capabilities = %+v, want all enabled", caps)
	}

	// Double suspension is a protocol violation.
	if _, err := g.Suspend(call, ""); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Suspend() error = %v, want ErrNotIdle", err)
	}
}

func TestResolveAccept(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: PolicyAccept})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionExecute {
		t.Fatalf("resolution kind = %v, want execute", res.Kind)
	}
	if got := res.Call.Args["query"]; got != "SELECT Name FROM tracks LIMIT 5" {
		t.Errorf("accept must keep the original args, got %v", got)
	}
	if g.State() != StateResolved {
		t.Errorf("State() = %s, want resolved", g.State())
	}
}

func TestResolveAcceptWithOverride(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{
		Policy: PolicyAccept,
		Action: &Action{Args: map[string]any{"query": "SELECT 1"}},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Call.Name != "sql_db_query" {
		t.Errorf("name = %q, want original name when not overridden", res.Call.Name)
	}
	if got := res.Call.Args["query"]; got != "SELECT 1" {
		t.Errorf("args query = %v, want overridden SELECT 1", got)
	}
}

func TestResolveEditFallsBackPerField(t *testing.T) {
	g := suspendedGate(t)

	// Name supplied, args absent: args fall back to the original.
	res, err := g.Resolve(Response{
		Policy: PolicyEdit,
		Action: &Action{Name: "sql_db_query_checker"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Call.Name != "sql_db_query_checker" {
		t.Errorf("name = %q, want sql_db_query_checker", res.Call.Name)
	}
	if got := res.Call.Args["query"]; got != "SELECT Name FROM tracks LIMIT 5" {
		t.Errorf("args = %v, want original args preserved", res.Call.Args)
	}
}

func TestResolveEditWithoutOverrideKeepsOriginal(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: PolicyEdit})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionExecute {
		t.Fatalf("kind = %v, want execute", res.Kind)
	}
	if res.Call.Name != "sql_db_query" {
		t.Errorf("name = %q, want original", res.Call.Name)
	}
}

func TestResolveIgnore(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: PolicyIgnore})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionReprompt {
		t.Fatalf("kind = %v, want reprompt", res.Kind)
	}
	if res.Message == "" {
		t.Error("ignore must inject a skip message")
	}
}

func TestResolveRespond(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: PolicyRespond, Text: "use the albums table instead"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionReprompt {
		t.Fatalf("kind = %v, want reprompt", res.Kind)
	}
	if res.Message != "use the albums table instead" {
		t.Errorf("message = %q, want the response text", res.Message)
	}
}

func TestResolveRespondWithoutText(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: PolicyRespond})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionReprompt || res.Message != noDecisionMessage {
		t.Errorf("empty respond should degrade to no-decision, got %+v", res)
	}
}

func TestResolveMalformedPolicy(t *testing.T) {
	g := suspendedGate(t)

	res, err := g.Resolve(Response{Policy: "yes please"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Kind != ResolutionReprompt || res.Message != noDecisionMessage {
		t.Errorf("malformed policy should degrade to no-decision, got %+v", res)
	}
}

func TestResolveRequiresSuspension(t *testing.T) {
	g := NewGate()
	if _, err := g.Resolve(Response{Policy: PolicyAccept}); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("Resolve() on idle gate error = %v, want ErrNotSuspended", err)
	}

	g = suspendedGate(t)
	if _, err := g.Resolve(Response{Policy: PolicyAccept}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// A second response must not resolve the same call instance again.
	if _, err := g.Resolve(Response{Policy: PolicyAccept}); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("double Resolve() error = %v, want ErrNotSuspended", err)
	}
}

func TestRearm(t *testing.T) {
	g := suspendedGate(t)
	if _, err := g.Resolve(Response{Policy: PolicyIgnore}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	g.Rearm()
	if g.State() != StateIdle {
		t.Fatalf("State() after Rearm = %s, want idle", g.State())
	}
	if g.Pending() != nil {
		t.Error("Pending() after Rearm should be nil")
	}
	if _, err := g.Suspend(pendingCall(), ""); err != nil {
		t.Errorf("Suspend() after Rearm error = %v", err)
	}
}

func TestRestoreSuspended(t *testing.T) {
	call := pendingCall()
	req := Request{
		Action:       Action{Name: call.Name, Args: call.Args},
		Capabilities: AllCapabilities(),
		Description:  "confirm before running SQL",
		CallID:       call.ID,
	}

	g := RestoreSuspended(req, call)
	if g.State() != StateSuspended {
		t.Fatalf("State() = %s, want suspended", g.State())
	}

	res, err := g.Resolve(Response{Policy: PolicyAccept})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Call.ID != call.ID {
		t.Errorf("resolved call id = %q, want %q", res.Call.ID, call.ID)
	}
}
