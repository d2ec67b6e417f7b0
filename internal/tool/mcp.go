package tool

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shindan/internal/model"
)

// MCPTool wraps one tool served by a remote MCP server so it can be
// registered and invoked like a built-in. The safety policy applies to
// MCP tools the same as to local ones; the policy file keys on the
// remote tool's name.
type MCPTool struct {
	client      *mcpclient.Client
	name        string
	description string
	schema      map[string]any
}

// Name implements Tool.
func (t *MCPTool) Name() string { return t.name }

// Description implements Tool.
func (t *MCPTool) Description() string { return t.description }

// Schema implements Tool.
func (t *MCPTool) Schema() map[string]any { return t.schema }

// Execute calls the remote tool and flattens its text content into the
// output envelope.
func (t *MCPTool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	result, err := t.client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      t.name,
			Arguments: input,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool: mcp call %s: %w", t.name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return nil, fmt.Errorf("tool: mcp tool %s failed: %s", t.name, text)
	}
	return &model.ToolOutput{Content: text}, nil
}

// MountMCP connects to a remote MCP server, lists its tools, and
// registers each one. Returns the mounted tool names.
func MountMCP(ctx context.Context, reg *Registry, serverURL, version string) ([]string, error) {
	c, err := mcpclient.NewStreamableHttpClient(serverURL)
	if err != nil {
		return nil, fmt.Errorf("tool: connect mcp server %s: %w", serverURL, err)
	}

	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "shindan", Version: version},
		},
	}); err != nil {
		return nil, fmt.Errorf("tool: initialize mcp server %s: %w", serverURL, err)
	}

	list, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tool: list mcp tools: %w", err)
	}

	var mounted []string
	for _, remote := range list.Tools {
		schema := map[string]any{
			"type":       remote.InputSchema.Type,
			"properties": remote.InputSchema.Properties,
		}
		if len(remote.InputSchema.Required) > 0 {
			schema["required"] = remote.InputSchema.Required
		}
		t := &MCPTool{
			client:      c,
			name:        remote.Name,
			description: remote.Description,
			schema:      schema,
		}
		if err := reg.Register(t); err != nil {
			return mounted, err
		}
		mounted = append(mounted, remote.Name)
	}
	return mounted, nil
}
