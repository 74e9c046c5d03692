package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/tools"
)

func TestPromptFragmentsJoinWithBlankLines(t *testing.T) {
	b := NewBuilder("You are a researcher.", nil)
	b.AppendPrompt("Always cite sources.")
	b.AppendPrompt("  ")
	b.AppendPrompt("Reply in English.")

	p := b.Build()
	assert.Equal(t, "You are a researcher.\n\nAlways cite sources.\n\nReply in English.", p.SystemPrompt)
}

func TestEmptyBasePrompt(t *testing.T) {
	b := NewBuilder("", nil)
	b.AppendPrompt("only fragment")
	assert.Equal(t, "only fragment", b.Build().SystemPrompt)
}

func TestOverlayReplacesInPlace(t *testing.T) {
	b := NewBuilder("p", []providers.ToolDefinition{
		{Name: "a", Description: "base a"},
		{Name: "b", Description: "base b"},
	})
	b.OverlayTool(&tools.Func{ToolName: "a", ToolDescription: "overlaid a"})
	b.OverlayTool(&tools.Func{ToolName: "c", ToolDescription: "new c"})

	defs := b.Build().Tools
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "overlaid a", defs[0].Description)
	assert.Equal(t, "b", defs[1].Name)
	assert.Equal(t, "c", defs[2].Name, "unseen overlays append at the end")
}

func TestOverlayExposesExecutables(t *testing.T) {
	b := NewBuilder("p", nil)
	b.OverlayTool(&tools.Func{ToolName: "scratch"})
	b.OverlayTool(&tools.Func{ToolName: "gone"})
	b.RemoveTool("gone")

	overlay := b.Overlay()
	require.Len(t, overlay, 1)
	_, ok := overlay["scratch"]
	assert.True(t, ok)
}

func TestRemoveTool(t *testing.T) {
	b := NewBuilder("p", []providers.ToolDefinition{{Name: "a"}, {Name: "b"}})
	b.RemoveTool("a")

	tools := b.Build().Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "b", tools[0].Name)
}
