package tools

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the tool surface of one agency: built-ins plus tools
// surfaced from connected MCP servers.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byName map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.byName[t.Name()] = t
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks a tool up by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// MCPToolName builds the local name an MCP server tool is surfaced as.
func MCPToolName(serverID, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", serverID, toolName)
}

// MCPTag is the tag carried by tools from one MCP server.
func MCPTag(serverID string) string {
	return "mcp:" + serverID
}

// Resolve expands capability patterns into a deduplicated tool list,
// preserving first-mention order. Supported patterns:
//
//	name                exact tool name
//	@tag                every tool carrying tag
//	mcp:*               every MCP-surfaced tool
//	mcp:<server>        every tool of one MCP server
//	mcp:<server>:<tool> one MCP tool
//
// Unknown patterns resolve to nothing.
func (r *Registry) Resolve(capabilities []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Tool
	add := func(t Tool) {
		if t != nil && !seen[t.Name()] {
			seen[t.Name()] = true
			out = append(out, t)
		}
	}

	for _, cap := range capabilities {
		cap = strings.TrimSpace(cap)
		switch {
		case cap == "":
		case cap == "mcp:*":
			for _, name := range r.order {
				if t := r.byName[name]; hasMCPTag(t) {
					add(t)
				}
			}
		case strings.HasPrefix(cap, "mcp:"):
			rest := strings.TrimPrefix(cap, "mcp:")
			if server, tool, ok := strings.Cut(rest, ":"); ok {
				add(r.byName[MCPToolName(server, tool)])
				continue
			}
			tag := MCPTag(rest)
			for _, name := range r.order {
				if t := r.byName[name]; hasTag(t, tag) {
					add(t)
				}
			}
		case strings.HasPrefix(cap, "@"):
			tag := strings.TrimPrefix(cap, "@")
			for _, name := range r.order {
				if t := r.byName[name]; hasTag(t, tag) {
					add(t)
				}
			}
		default:
			add(r.byName[cap])
		}
	}
	return out
}

func hasTag(t Tool, tag string) bool {
	for _, have := range t.Tags() {
		if have == tag {
			return true
		}
	}
	return false
}

func hasMCPTag(t Tool) bool {
	for _, have := range t.Tags() {
		if strings.HasPrefix(have, "mcp:") {
			return true
		}
	}
	return false
}
