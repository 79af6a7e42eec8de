package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	gjs "github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/fennelabs/dialect/internal/conversation"
	"github.com/fennelabs/dialect/internal/log"
	"github.com/fennelabs/dialect/internal/tools"
)

// GenkitCaller adapts a Genkit Gemini model to the Caller interface.
//
// Tools are registered with Genkit as schema-only declarations so the model
// can plan calls, but generation always sets WithReturnToolRequests: Genkit
// never executes a tool itself, the orchestrator does.
type GenkitCaller struct {
	g         *genkit.Genkit
	modelName string
	logger    log.Logger
	refs      map[string]ai.ToolRef
	order     []string
}

// GenkitConfig holds the parameters for NewGenkitCaller.
type GenkitConfig struct {
	APIKey    string
	ModelName string
	Registry  *tools.Registry
	Logger    log.Logger
}

// NewGenkitCaller initializes Genkit with the GoogleAI plugin and declares
// every registry tool to the model.
func NewGenkitCaller(ctx context.Context, cfg GenkitConfig) (*GenkitCaller, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.APIKey}),
	)

	c := &GenkitCaller{
		g:         g,
		modelName: cfg.ModelName,
		logger:    logger,
		refs:      make(map[string]ai.ToolRef),
	}

	for _, t := range cfg.Registry.All() {
		schema, err := toInvopopSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: convert input schema: %w", t.Name, err)
		}
		schemaMap, err := schemaToMap(schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: convert input schema: %w", t.Name, err)
		}
		name := t.Name
		ref := genkit.DefineToolWithInputSchema(g, name, t.Description, schemaMap,
			func(_ *ai.ToolContext, _ any) (any, error) {
				// Unreachable: generation always returns tool requests
				// instead of running them.
				return nil, fmt.Errorf("tool %s must not be executed by the model runtime", name)
			})
		c.refs[name] = ref
		c.order = append(c.order, name)
	}

	logger.Debug("genkit caller initialized", "model", cfg.ModelName, "tools", len(c.refs))
	return c, nil
}

// Generate performs one model call. Requested tool calls are returned to
// the caller unexecuted.
func (c *GenkitCaller) Generate(ctx context.Context, system string, msgs []conversation.Message, constraint *Constraint) (*Reply, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithMessages(toGenkitMessages(msgs)...),
		ai.WithReturnToolRequests(true),
	}
	if system != "" {
		opts = append(opts, ai.WithSystem(system))
	}

	refs, err := c.selectTools(constraint)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...))
	}
	if constraint != nil && constraint.Forced {
		opts = append(opts, ai.WithToolChoice(ai.ToolChoiceRequired))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("model generation failed: %w", err)
	}

	reply := &Reply{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		id := tr.Ref
		if id == "" {
			id = uuid.NewString()
		}
		reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
			ID:   id,
			Name: tr.Name,
			Args: toArgs(tr.Input),
		})
	}
	return reply, nil
}

// selectTools returns the tool refs for this call; all declared tools when
// constraint is nil, otherwise only the named subset.
func (c *GenkitCaller) selectTools(constraint *Constraint) ([]ai.ToolRef, error) {
	if constraint == nil {
		refs := make([]ai.ToolRef, 0, len(c.order))
		for _, name := range c.order {
			refs = append(refs, c.refs[name])
		}
		return refs, nil
	}
	refs := make([]ai.ToolRef, 0, len(constraint.ToolNames))
	for _, name := range constraint.ToolNames {
		ref, ok := c.refs[name]
		if !ok {
			return nil, fmt.Errorf("constrain generation: unknown tool %q", name)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// toGenkitMessages maps the conversation log onto Genkit's message model.
// Assistant tool calls become tool request parts with the call id as Ref;
// tool results become tool response parts echoing the same Ref so the
// model can pair them.
func toGenkitMessages(msgs []conversation.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		case conversation.RoleAssistant:
			var parts []*ai.Part
			if m.Content != "" {
				parts = append(parts, ai.NewTextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Name:  tc.Name,
					Input: tc.Args,
					Ref:   tc.ID,
				}))
			}
			out = append(out, ai.NewMessage(ai.RoleModel, nil, parts...))
		case conversation.RoleTool:
			out = append(out, ai.NewMessage(ai.RoleTool, nil,
				ai.NewToolResponsePart(&ai.ToolResponse{
					Name:   m.ToolName,
					Ref:    m.ToolCallID,
					Output: m.Content,
				})))
		case conversation.RoleSystem:
			out = append(out, ai.NewMessage(ai.RoleSystem, nil, ai.NewTextPart(m.Content)))
		}
	}
	return out
}

// toArgs normalizes a tool request input to a string-keyed map. Gemini
// returns JSON objects, but the field is typed any.
func toArgs(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return map[string]any{}
		}
		return m
	}
}

// schemaToMap serializes a schema into the plain map form Genkit's tool
// declaration API expects; both sides speak standard JSON Schema.
func schemaToMap(src *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// toInvopopSchema bridges the MCP SDK's schema type to the one Genkit's
// tool declaration API expects. Both serialize to standard JSON Schema, so
// a JSON round trip is the whole conversion.
func toInvopopSchema(src *gjs.Schema) (*jsonschema.Schema, error) {
	if src == nil {
		// Accept any object when a tool declares no schema.
		return &jsonschema.Schema{Type: "object"}, nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
