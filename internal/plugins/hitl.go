package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/agencykit/agentd/internal/messages"
)

// PauseReasonHITL marks runs suspended for human tool approval.
const PauseReasonHITL = "hitl"

// HITLVar is the agent variable naming the gated tools, either a list
// or a comma-separated string.
const HITLVar = "HITL_TOOLS"

// HITLPlugin pauses the run before executing any tool named in
// HITL_TOOLS. A human approves (optionally rewriting the calls) through
// the approve action, which marks the calls approved and resumes.
func HITLPlugin() *Plugin {
	return &Plugin{
		Name: "hitl",
		OnToolStart: func(ctx context.Context, rt Runtime, call *messages.ToolCall) (*ToolVeto, error) {
			if !gated(rt, call.Name) || rt.Approved(call.ID) {
				return nil, nil
			}
			return &ToolVeto{
				Pause:   true,
				Reason:  PauseReasonHITL,
				Message: fmt.Sprintf("tool %q requires human approval", call.Name),
			}, nil
		},
	}
}

func gated(rt Runtime, toolName string) bool {
	raw, ok := rt.Var(HITLVar)
	if !ok {
		return false
	}
	switch t := raw.(type) {
	case string:
		for _, name := range strings.Split(t, ",") {
			if strings.TrimSpace(name) == toolName {
				return true
			}
		}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == toolName {
				return true
			}
		}
	case []string:
		for _, s := range t {
			if s == toolName {
				return true
			}
		}
	}
	return false
}
