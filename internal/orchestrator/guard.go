package orchestrator

// callGuard is the per-turn duplicate-call guard for single-use tools. It
// lives on the run state, never process-wide, and resets whenever a new
// user message starts a turn. It is never checkpointed.
type callGuard struct {
	fired map[string]bool
}

func newCallGuard() *callGuard {
	return &callGuard{fired: make(map[string]bool)}
}

// firedAlready reports whether the named tool already executed this turn.
func (g *callGuard) firedAlready(name string) bool {
	return g.fired[name]
}

// record marks the named tool as executed for the rest of the turn.
func (g *callGuard) record(name string) {
	g.fired[name] = true
}
