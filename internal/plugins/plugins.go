// Package plugins defines the hook framework the agent step loop calls
// into, plus the built-in plugins: variable substitution, human
// approval gating, subagent reporting, and context summarization.
package plugins

import (
	"context"
	"log/slog"

	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/plan"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/providers"
)

// Runtime is the slice of agent behavior plugins may use. The agent
// actor implements it; all calls run on the actor goroutine.
type Runtime interface {
	AgentID() string
	AgencyID() string

	Var(name string) (any, bool)
	Vars() map[string]any
	SetVar(ctx context.Context, name string, value any) error

	// Emit appends a custom event to the agent's log.
	Emit(ctx context.Context, typ string, payload any) error

	Projection() projection.Projection
	Provider() providers.Provider

	// Approved reports whether a human already approved this tool call.
	Approved(callID string) bool
	// ReportToParent redeems a completion token on the parent agent.
	ReportToParent(ctx context.Context, token, status, report string) error

	Logger() *slog.Logger
}

// ToolVeto blocks or defers a tool call. Pause suspends the whole run
// (reason lands in the paused event); otherwise Message is returned to
// the model as the tool result.
type ToolVeto struct {
	Pause   bool
	Reason  string
	Message string
}

// Plugin is a named set of optional hooks. Nil hooks are skipped.
type Plugin struct {
	Name string

	// OnInit runs once when the agent actor starts.
	OnInit func(ctx context.Context, rt Runtime) error
	// OnTick runs at the top of every step iteration.
	OnTick func(ctx context.Context, rt Runtime, step int) error
	// BeforeModel may rewrite the plan before the provider call.
	BeforeModel func(ctx context.Context, rt Runtime, b *plan.Builder) error
	// OnModelResult observes the provider response.
	OnModelResult func(ctx context.Context, rt Runtime, resp *providers.Response) error
	// OnToolStart may mutate arguments or veto the call.
	OnToolStart func(ctx context.Context, rt Runtime, call *messages.ToolCall) (*ToolVeto, error)
	// OnToolResult observes a successful tool result.
	OnToolResult func(ctx context.Context, rt Runtime, call messages.ToolCall, result any) error
	// OnToolError observes a failed tool call.
	OnToolError func(ctx context.Context, rt Runtime, call messages.ToolCall, toolErr error) error
	// OnRunComplete runs after the final answer is recorded.
	OnRunComplete func(ctx context.Context, rt Runtime, final string) error
	// OnEvent observes every event appended to the log.
	OnEvent func(ctx context.Context, rt Runtime, typ string, seq int64) error
}

// Host fans hook calls out to an ordered plugin list. Hook errors are
// logged and swallowed so a misbehaving plugin cannot wedge a run; the
// only hook outcome that alters control flow is a tool veto.
type Host struct {
	plugins []*Plugin
	log     *slog.Logger
}

// NewHost builds a host over plugins in call order.
func NewHost(log *slog.Logger, ps ...*Plugin) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{plugins: ps, log: log}
}

// Add appends a plugin.
func (h *Host) Add(p *Plugin) { h.plugins = append(h.plugins, p) }

func (h *Host) swallow(plugin, hook string, err error) {
	if err != nil {
		h.log.Warn("plugin.hook_failed", "plugin", plugin, "hook", hook, "error", err)
	}
}

func (h *Host) Init(ctx context.Context, rt Runtime) {
	for _, p := range h.plugins {
		if p.OnInit != nil {
			h.swallow(p.Name, "init", p.OnInit(ctx, rt))
		}
	}
}

func (h *Host) Tick(ctx context.Context, rt Runtime, step int) {
	for _, p := range h.plugins {
		if p.OnTick != nil {
			h.swallow(p.Name, "tick", p.OnTick(ctx, rt, step))
		}
	}
}

func (h *Host) BeforeModel(ctx context.Context, rt Runtime, b *plan.Builder) {
	for _, p := range h.plugins {
		if p.BeforeModel != nil {
			h.swallow(p.Name, "before_model", p.BeforeModel(ctx, rt, b))
		}
	}
}

func (h *Host) ModelResult(ctx context.Context, rt Runtime, resp *providers.Response) {
	for _, p := range h.plugins {
		if p.OnModelResult != nil {
			h.swallow(p.Name, "model_result", p.OnModelResult(ctx, rt, resp))
		}
	}
}

// ToolStart runs the tool-start hooks in order. The first veto wins;
// later plugins do not see the call.
func (h *Host) ToolStart(ctx context.Context, rt Runtime, call *messages.ToolCall) *ToolVeto {
	for _, p := range h.plugins {
		if p.OnToolStart == nil {
			continue
		}
		veto, err := p.OnToolStart(ctx, rt, call)
		h.swallow(p.Name, "tool_start", err)
		if veto != nil {
			return veto
		}
	}
	return nil
}

func (h *Host) ToolResult(ctx context.Context, rt Runtime, call messages.ToolCall, result any) {
	for _, p := range h.plugins {
		if p.OnToolResult != nil {
			h.swallow(p.Name, "tool_result", p.OnToolResult(ctx, rt, call, result))
		}
	}
}

func (h *Host) ToolError(ctx context.Context, rt Runtime, call messages.ToolCall, toolErr error) {
	for _, p := range h.plugins {
		if p.OnToolError != nil {
			h.swallow(p.Name, "tool_error", p.OnToolError(ctx, rt, call, toolErr))
		}
	}
}

func (h *Host) RunComplete(ctx context.Context, rt Runtime, final string) {
	for _, p := range h.plugins {
		if p.OnRunComplete != nil {
			h.swallow(p.Name, "run_complete", p.OnRunComplete(ctx, rt, final))
		}
	}
}

func (h *Host) Event(ctx context.Context, rt Runtime, typ string, seq int64) {
	for _, p := range h.plugins {
		if p.OnEvent != nil {
			h.swallow(p.Name, "event", p.OnEvent(ctx, rt, typ, seq))
		}
	}
}
