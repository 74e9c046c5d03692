package plugins

import (
	"context"
)

// Variables set on subagents at spawn time.
const (
	VarParentAgentID = "PARENT_AGENT_ID"
	VarSubagentToken = "SUBAGENT_TOKEN"
)

// SubagentReporterPlugin delivers a subagent's outcome to its parent.
// It fires on run completion and on terminal errors, redeeming the
// one-time token the parent armed when it spawned the child.
func SubagentReporterPlugin() *Plugin {
	return &Plugin{
		Name: "subagent_reporter",
		OnRunComplete: func(ctx context.Context, rt Runtime, final string) error {
			token, ok := rt.Var(VarSubagentToken)
			if !ok {
				return nil
			}
			tok, _ := token.(string)
			if tok == "" {
				return nil
			}
			status := "completed"
			if p := rt.Projection(); p.LastError != nil {
				status = "error"
				if final == "" {
					final = p.LastError.Message
				}
			}
			if err := rt.ReportToParent(ctx, tok, status, final); err != nil {
				rt.Logger().Warn("subagent.report_failed",
					"agent", rt.AgentID(), "error", err)
				return err
			}
			// One-shot: drop the token so restarts cannot re-report.
			return rt.SetVar(ctx, VarSubagentToken, "")
		},
	}
}
