package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fennelabs/dialect/internal/log"
)

// MCPSource connects to an external MCP server over stdio and exposes its
// tools as registry entries. Tools sourced this way are single-use
// side-effect tools: once one fires, the turn ends and the duplicate-call
// guard suppresses re-invocation within the turn.
type MCPSource struct {
	session *mcp.ClientSession
	logger  log.Logger
}

// ConnectMCP launches the given command (e.g. an @antv/mcp-server-chart
// invocation) and performs the MCP handshake over its stdio.
func ConnectMCP(ctx context.Context, command string, args []string, logger log.Logger) (*MCPSource, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "dialect",
		Version: "1.0.0",
	}, nil)

	transport := &mcp.CommandTransport{
		Command: exec.CommandContext(ctx, command, args...),
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %q: %w", command, err)
	}

	logger.Info("connected to MCP server", "command", command)
	return &MCPSource{session: session, logger: logger}, nil
}

// Register lists the server's tools and registers each as a single-use
// external tool.
func (s *MCPSource) Register(ctx context.Context, r *Registry) error {
	res, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list MCP tools: %w", err)
	}

	for _, t := range res.Tools {
		name := t.Name
		if err := r.Register(Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: toRegistrySchema(t.InputSchema),
			SingleUse:   true,
			External:    true,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return s.call(ctx, name, args)
			},
		}); err != nil {
			return err
		}
		s.logger.Debug("registered MCP tool", "name", name)
	}
	return nil
}

// toRegistrySchema bridges the MCP SDK's untyped tool input schema (the
// client-side JSON unmarshaling of the server's schema) to the registry's
// schema type. Both serialize to standard JSON Schema, so a JSON round trip
// is the whole conversion; a nil or malformed value falls back to a
// permissive object schema.
func toRegistrySchema(v any) *jsonschema.Schema {
	fallback := &jsonschema.Schema{Type: "object"}
	if v == nil {
		return fallback
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallback
	}
	return &s
}

// Close terminates the MCP session and the server process.
func (s *MCPSource) Close() error {
	return s.session.Close()
}

func (s *MCPSource) call(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call MCP tool %q: %w", name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("MCP tool %q failed: %s", name, text)
	}
	return text, nil
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
