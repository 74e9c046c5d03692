// Package plan assembles the per-step model request: system prompt
// fragments, the effective tool surface, and invocation options.
package plan

import (
	"strings"

	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/tools"
)

// Plan is the fully assembled input for one model invocation.
type Plan struct {
	SystemPrompt   string
	Tools          []providers.ToolDefinition
	Model          string
	ToolChoice     string
	ResponseFormat string
	Temperature    *float64
	MaxTokens      int
}

// Builder accumulates prompt fragments and tool definitions. Plugins
// append to it during the before-model hook; the zero value is usable.
type Builder struct {
	base      string
	fragments []string
	tools        []providers.ToolDefinition
	overlay      map[string]tools.Tool
	overlayOrder []string
	removed      map[string]bool

	Model          string
	ToolChoice     string
	ResponseFormat string
	Temperature    *float64
	MaxTokens      int
}

// NewBuilder starts from the agent's blueprint prompt and base tool set.
func NewBuilder(prompt string, tools []providers.ToolDefinition) *Builder {
	return &Builder{base: prompt, tools: tools}
}

// AppendPrompt adds a system prompt fragment. Fragments are joined to
// the base prompt with blank lines, in append order.
func (b *Builder) AppendPrompt(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment != "" {
		b.fragments = append(b.fragments, fragment)
	}
}

// TransformPrompt rewrites the base prompt and all fragments appended
// so far. Fragments appended afterwards are untouched.
func (b *Builder) TransformPrompt(fn func(string) string) {
	b.base = fn(b.base)
	for i := range b.fragments {
		b.fragments[i] = fn(b.fragments[i])
	}
}

// OverlayTool registers an executable tool for this step only, adding
// or replacing by name. Overlaid tools are advertised to the model and
// callable for the remainder of the step cycle.
func (b *Builder) OverlayTool(t tools.Tool) {
	name := t.Name()
	if b.overlay == nil {
		b.overlay = make(map[string]tools.Tool)
	}
	if _, ok := b.overlay[name]; !ok {
		b.overlayOrder = append(b.overlayOrder, name)
	}
	b.overlay[name] = t
	delete(b.removed, name)
}

// Overlay returns the ephemeral tools registered this step, keyed by
// name. Removed names are excluded.
func (b *Builder) Overlay() map[string]tools.Tool {
	out := make(map[string]tools.Tool, len(b.overlay))
	for name, t := range b.overlay {
		if b.removed[name] {
			continue
		}
		out[name] = t
	}
	return out
}

// RemoveTool hides a tool from this step.
func (b *Builder) RemoveTool(name string) {
	if b.removed == nil {
		b.removed = make(map[string]bool)
	}
	b.removed[name] = true
}

// Build materializes the plan. Base tools keep their order; overlays
// replace in place and unseen overlays append at the end.
func (b *Builder) Build() Plan {
	parts := make([]string, 0, len(b.fragments)+1)
	if strings.TrimSpace(b.base) != "" {
		parts = append(parts, strings.TrimSpace(b.base))
	}
	parts = append(parts, b.fragments...)

	seen := make(map[string]bool, len(b.tools))
	defs := make([]providers.ToolDefinition, 0, len(b.tools)+len(b.overlay))
	for _, t := range b.tools {
		if b.removed[t.Name] {
			continue
		}
		seen[t.Name] = true
		if over, ok := b.overlay[t.Name]; ok {
			defs = append(defs, tools.Definition(over))
			continue
		}
		defs = append(defs, t)
	}
	for _, name := range b.overlayOrder {
		if !seen[name] && !b.removed[name] {
			defs = append(defs, tools.Definition(b.overlay[name]))
		}
	}

	return Plan{
		SystemPrompt:   strings.Join(parts, "\n\n"),
		Tools:          defs,
		Model:          b.Model,
		ToolChoice:     b.ToolChoice,
		ResponseFormat: b.ResponseFormat,
		Temperature:    b.Temperature,
		MaxTokens:      b.MaxTokens,
	}
}
