package mcp

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestBridgeToolNaming(t *testing.T) {
	remote := mcpgo.Tool{
		Name:        "search",
		Description: "Searches the index.",
		InputSchema: mcpgo.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"query": map[string]any{"type": "string"}},
			Required:   []string{"query"},
		},
	}
	bt := newBridgeTool("kb", remote, nil)

	assert.Equal(t, "mcp_kb_search", bt.Name())
	assert.Equal(t, "search", bt.RemoteName())
	assert.Equal(t, []string{"mcp:kb"}, bt.Tags())

	params := bt.Parameters()
	assert.Equal(t, "object", params["type"])
	props, ok := params["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "query")
}

func TestSchemaToMapDefaultsType(t *testing.T) {
	out := schemaToMap(mcpgo.ToolInputSchema{})
	assert.Equal(t, "object", out["type"])
}

func TestCollectText(t *testing.T) {
	content := []mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "line one"},
		mcpgo.TextContent{Type: "text", Text: "line two"},
	}
	assert.Equal(t, "line one\nline two", collectText(content))
	assert.Equal(t, "", collectText(nil))
}
