package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agencykit/agentd/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local Tool interface.
type bridgeTool struct {
	serverID   string
	remoteName string
	localName  string
	desc       string
	params     map[string]any
	client     *mcpclient.Client
}

func newBridgeTool(serverID string, remote mcpgo.Tool, client *mcpclient.Client) *bridgeTool {
	return &bridgeTool{
		serverID:   serverID,
		remoteName: remote.Name,
		localName:  tools.MCPToolName(serverID, remote.Name),
		desc:       remote.Description,
		params:     schemaToMap(remote.InputSchema),
		client:     client,
	}
}

func (b *bridgeTool) Name() string               { return b.localName }
func (b *bridgeTool) Description() string        { return b.desc }
func (b *bridgeTool) Parameters() map[string]any { return b.params }
func (b *bridgeTool) Tags() []string             { return []string{tools.MCPTag(b.serverID)} }

// RemoteName is the tool's name on its server, without the local
// mcp_<server>_ prefix.
func (b *bridgeTool) RemoteName() string { return b.remoteName }

func (b *bridgeTool) Execute(ctx context.Context, inv tools.Invocation, args map[string]any) (any, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.remoteName
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", b.remoteName, err)
	}

	text := collectText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("mcp tool %s: %s", b.remoteName, text)
	}
	return text, nil
}

// collectText joins the textual content parts of a tool result.
func collectText(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the typed input schema into the generic JSON
// schema map the provider layer expects.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

var _ tools.Tool = (*bridgeTool)(nil)
