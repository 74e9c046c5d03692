// Package tools defines the tool contract, the registry agents resolve
// their capabilities against, and the built-in coordination tools.
package tools

import (
	"context"

	"github.com/agencykit/agentd/internal/providers"
)

// SpawnSpec asks the agency to start a subagent on behalf of a parent.
type SpawnSpec struct {
	AgentType string
	Message   string
	Vars      map[string]any
	// Token is the one-time completion token the child reports back with.
	Token  string
	CallID string
}

// SendSpec delivers a message to an already-running agent.
type SendSpec struct {
	TargetID string
	Message  string
	Token    string
	CallID   string
}

// Coordinator is the slice of agency behavior the coordination tools
// need. The agent actor implements it; registering the waiter row and
// dispatching to the child happen behind one call.
type Coordinator interface {
	SpawnSubagent(ctx context.Context, spec SpawnSpec) (childID string, err error)
	MessageAgent(ctx context.Context, spec SendSpec) error
}

// Invocation is the per-call context handed to Execute.
type Invocation struct {
	AgencyID string
	AgentID  string
	CallID   string
	// Vars is the agent's variable map at execution time.
	Vars map[string]any

	Coordinator Coordinator
}

// Tool is one callable capability. Execute returning (nil, nil) marks
// the call asynchronous: no result event is emitted and the caller is
// expected to pause until an external completion arrives.
type Tool interface {
	Name() string
	Description() string
	// Parameters is a JSON schema object, or nil for no-argument tools.
	Parameters() map[string]any
	// Tags group tools for @tag capability patterns.
	Tags() []string
	Execute(ctx context.Context, inv Invocation, args map[string]any) (any, error)
}

// Definition converts a tool to the provider wire shape.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// Definitions converts a tool list to provider wire shapes.
func Definitions(ts []Tool) []providers.ToolDefinition {
	out := make([]providers.ToolDefinition, len(ts))
	for i, t := range ts {
		out[i] = Definition(t)
	}
	return out
}

// Func is a function-backed Tool for simple capabilities.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]any
	ToolTags        []string
	Fn              func(ctx context.Context, inv Invocation, args map[string]any) (any, error)
}

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.ToolDescription }
func (f *Func) Parameters() map[string]any { return f.ToolParameters }
func (f *Func) Tags() []string             { return f.ToolTags }

func (f *Func) Execute(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
	return f.Fn(ctx, inv, args)
}

var _ Tool = (*Func)(nil)
