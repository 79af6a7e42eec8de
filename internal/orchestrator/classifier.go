package orchestrator

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/fennelabs/dialect/internal/tools"
)

// gatedTools are always put through the approval gate before execution.
var gatedTools = map[string]bool{
	tools.SQLQueryTool: true,
}

// requiresApproval reports whether a proposed call must be approved by a
// human before it runs.
func requiresApproval(name string) bool {
	return gatedTools[name]
}

// dataPattern captures a labeled JSON array from user text, e.g.
// "data = [1, 2, 3]" or "data: [...]". The capture is greedy so nested
// arrays survive; json parsing decides validity.
var dataPattern = regexp.MustCompile(`(?is)\bdata\b\s*(?:=|:)\s*(\[.*\])`)

// forcedTool is the active forced-tool constraint for a turn: the model may
// only choose Name, and when HasData is set the parsed array overrides the
// call's "data" argument.
type forcedTool struct {
	Name    string
	Data    []any
	HasData bool
}

// detectForcedTool checks whether the user's text literally names one of
// the externally registered tools. Longer names are matched first so that
// "generate_column_chart" is not shadowed by a shorter overlapping name.
func detectForcedTool(userText string, external []string) *forcedTool {
	if userText == "" || len(external) == 0 {
		return nil
	}
	names := make([]string, len(external))
	copy(names, external)
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	lower := strings.ToLower(userText)
	for _, name := range names {
		if !strings.Contains(lower, strings.ToLower(name)) {
			continue
		}
		ft := &forcedTool{Name: name}
		if data, ok := parseDataOverride(userText); ok {
			ft.Data = data
			ft.HasData = true
		}
		return ft
	}
	return nil
}

// parseDataOverride extracts the labeled JSON array from user text. A
// malformed fragment drops the override rather than failing the turn.
func parseDataOverride(text string) ([]any, bool) {
	m := dataPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	fragment := m[1]
	// The greedy capture may trail off into prose; back off to the longest
	// prefix that parses as a JSON array.
	for end := len(fragment); end > 0; end-- {
		if fragment[end-1] != ']' {
			continue
		}
		var data []any
		if err := json.Unmarshal([]byte(fragment[:end]), &data); err == nil {
			return data, true
		}
	}
	return nil, false
}

// chartKeywords trigger the chart-intent nudge toward external tools.
var chartKeywords = []string{"chart", "plot", "graph", "visual"}

// wantsChart reports whether the user text asks for a visualization.
func wantsChart(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range chartKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// overrideData returns a copy of args with the "data" argument replaced by
// the forced override. This is the deterministic repair step applied when
// the model omits or mis-shapes the argument.
func overrideData(args map[string]any, data []any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out["data"] = data
	return out
}
