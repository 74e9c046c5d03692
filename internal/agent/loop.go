package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/plan"
	"github.com/agencykit/agentd/internal/plugins"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/tools"
)

// runLoop drives the think-act-observe cycle until the run completes,
// errors, pauses, or is canceled. It must run on the actor goroutine.
func (a *Actor) runLoop() {
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.runCancel = nil
		a.mu.Unlock()
	}()

	step := a.proj.Step
	for {
		// Unfinished tool calls come first: either a resumed approval
		// pause or the tail of the previous iteration.
		if pending := a.proj.PendingToolCalls; len(pending) > 0 {
			if !a.executeBatch(runCtx, pending) {
				return
			}
			continue
		}

		if a.cfg.MaxIterations > 0 && step >= a.cfg.MaxIterations {
			a.emit(context.Background(), events.TypeAgentError, events.ErrorPayload{
				ErrorType: "max_iterations_exceeded",
				Message:   fmt.Sprintf("run exceeded %d iterations", a.cfg.MaxIterations),
			})
			return
		}

		a.emit(runCtx, events.TypeAgentStep, events.StepPayload{Step: step})
		rt := a.runtime()
		a.svc.Plugins.Tick(runCtx, rt, step)

		resolved := a.svc.Registry.Resolve(a.cfg.Capabilities)
		builder := plan.NewBuilder(a.cfg.Prompt, tools.Definitions(resolved))
		builder.Model = a.cfg.Model
		a.svc.Plugins.BeforeModel(runCtx, rt, builder)
		p := builder.Build()
		a.setToolset(resolved, builder.Overlay())

		history := a.proj.Messages
		resp, err := a.invokeModel(runCtx, p, history)
		if err != nil {
			bg := context.Background()
			if runCtx.Err() != nil {
				a.emit(bg, events.TypeAgentCanceled, events.CanceledPayload{Reason: "canceled"})
				return
			}
			a.emit(bg, events.TypeAgentError, events.ErrorPayload{
				ErrorType: "provider_error",
				Message:   err.Error(),
			})
			a.svc.Plugins.RunComplete(bg, rt, "")
			a.flushReplies(bg, "error", err.Error())
			return
		}

		a.emit(runCtx, events.TypeInferenceDetails, events.InferenceDetailsPayload{
			Input: events.InferenceInput{
				SystemPrompt: p.SystemPrompt,
				Messages:     messages.MarshalMessages(history),
			},
			Output:       messages.MarshalMessages([]messages.Message{resp.Message}),
			Usage:        resp.Usage,
			FinishReason: resp.FinishReason,
			Model:        resp.Model,
		})
		a.svc.Plugins.ModelResult(runCtx, rt, resp)

		if text := resp.Message.Text(); text != "" {
			a.emit(runCtx, events.TypeContentMessage, events.ContentMessagePayload{
				Role:    messages.RoleAssistant,
				Content: text,
			})
		}

		calls := resp.Message.ToolCalls()
		if len(calls) == 0 {
			final := resp.Message.Text()
			a.emit(runCtx, events.TypeAgentCompleted, events.CompletedPayload{Final: final})
			a.svc.Plugins.RunComplete(runCtx, rt, final)
			a.flushReplies(context.Background(), "completed", final)
			return
		}

		step++
		// Next loop turn picks the calls up from PendingToolCalls.
	}
}

func (a *Actor) invokeModel(ctx context.Context, p plan.Plan, history []messages.Message) (*providers.Response, error) {
	ctx, span := a.tracer.Start(ctx, "provider.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("model", p.Model),
	)

	resp, err := a.svc.Provider.Invoke(ctx, providers.Request{
		Model:          p.Model,
		SystemPrompt:   p.SystemPrompt,
		Messages:       history,
		Tools:          p.Tools,
		ToolChoice:     p.ToolChoice,
		ResponseFormat: p.ResponseFormat,
		Temperature:    p.Temperature,
		MaxTokens:      p.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("usage.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// setToolset fixes the callable tool surface for the current step: the
// capability-resolved tools plus any ephemeral overlays a plugin
// registered in the before-model hook.
func (a *Actor) setToolset(resolved []tools.Tool, overlay map[string]tools.Tool) {
	ts := make(map[string]tools.Tool, len(resolved)+len(overlay))
	for _, t := range resolved {
		ts[t.Name()] = t
	}
	for name, t := range overlay {
		ts[name] = t
	}
	a.toolset = ts
}

// lookupTool resolves a call against the step's toolset. Pending calls
// replayed before any model step (resumed after a restart) see the
// capability-resolved set; overlays do not survive a restart.
func (a *Actor) lookupTool(name string) (tools.Tool, bool) {
	if a.toolset == nil {
		a.setToolset(a.svc.Registry.Resolve(a.cfg.Capabilities), nil)
	}
	t, ok := a.toolset[name]
	return t, ok
}

type toolOutcome struct {
	idx    int
	call   messages.ToolCall
	result any
	err    error
	async  bool
}

// executeBatch runs one batch of tool calls. It returns false when the
// run pauses (approval gate or async coordination calls outstanding).
func (a *Actor) executeBatch(ctx context.Context, pending []messages.ToolCall) bool {
	rt := a.runtime()
	bg := context.Background()

	// Veto scan happens before anything executes so an approval pause
	// leaves the whole batch untouched.
	var execCalls []messages.ToolCall
	var blocked []toolOutcome
	for _, call := range pending {
		if mc, ok := a.modified[call.ID]; ok {
			call = mc
			delete(a.modified, call.ID)
		}
		veto := a.svc.Plugins.ToolStart(ctx, rt, &call)
		if veto != nil && veto.Pause {
			a.emit(bg, events.TypeAgentPaused, events.PausedPayload{Reason: veto.Reason})
			return false
		}
		if veto != nil {
			blocked = append(blocked, toolOutcome{
				call: call,
				err:  errors.New(veto.Message),
			})
			continue
		}
		execCalls = append(execCalls, call)
	}

	// All starts are recorded before any result so subscribers see the
	// batch open in call order.
	for _, call := range execCalls {
		args, _ := json.Marshal(call.Arguments)
		a.emit(ctx, events.TypeToolStart, events.ToolStartPayload{
			CallID: call.ID, Name: call.Name, Args: args,
		})
	}

	outcomes := a.runTools(ctx, execCalls)
	for _, b := range blocked {
		outcomes = append(outcomes, b)
	}

	hasAsync := false
	for _, o := range outcomes {
		if o.async {
			hasAsync = true
			continue
		}
		if o.err != nil {
			a.emit(bg, events.TypeToolError, events.ToolErrorPayload{
				CallID: o.call.ID, Name: o.call.Name,
				ErrorType: "tool_error", Message: o.err.Error(),
			})
			a.svc.Plugins.ToolError(bg, rt, o.call, o.err)
			continue
		}
		resp, err := json.Marshal(o.result)
		if err != nil {
			resp, _ = json.Marshal(fmt.Sprintf("%v", o.result))
		}
		a.emit(bg, events.TypeToolFinish, events.ToolFinishPayload{
			CallID: o.call.ID, Name: o.call.Name, Response: resp,
		})
		a.svc.Plugins.ToolResult(bg, rt, o.call, o.result)
	}

	if hasAsync {
		a.emit(bg, events.TypeAgentPaused, events.PausedPayload{Reason: PauseReasonSubagent})
		return false
	}
	if ctx.Err() != nil {
		a.emit(bg, events.TypeAgentCanceled, events.CanceledPayload{Reason: "canceled"})
		return false
	}
	return true
}

// runTools executes calls concurrently under the parallelism cap and
// returns outcomes sorted back into call order.
func (a *Actor) runTools(ctx context.Context, calls []messages.ToolCall) []toolOutcome {
	if len(calls) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(a.cfg.MaxParallelTools))
	results := make(chan toolOutcome, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call messages.ToolCall) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- toolOutcome{idx: idx, call: call, err: err}
				return
			}
			defer sem.Release(1)
			out, async, err := a.executeTool(ctx, call)
			results <- toolOutcome{idx: idx, call: call, result: out, err: err, async: async}
		}(i, call)
	}

	go func() { wg.Wait(); close(results) }()

	collected := make([]toolOutcome, 0, len(calls))
	for r := range results {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	return collected
}

func (a *Actor) executeTool(ctx context.Context, call messages.ToolCall) (any, bool, error) {
	ctx, span := a.tracer.Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("tool.name", call.Name),
	)

	tool, ok := a.lookupTool(call.Name)
	if !ok {
		err := fmt.Errorf("tool %q is not available to this agent", call.Name)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	a.log.Info("tool.call", "tool", call.Name, "call_id", call.ID)
	out, err := tool.Execute(ctx, tools.Invocation{
		AgencyID:    a.cfg.AgencyID,
		AgentID:     a.cfg.ID,
		CallID:      call.ID,
		Vars:        a.vars,
		Coordinator: a,
	}, call.Arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.log.Warn("tool.error", "tool", call.Name, "error", err)
		return nil, false, err
	}
	// A nil result marks an asynchronous call completing via token.
	if out == nil {
		return nil, true, nil
	}
	return out, false, nil
}

// flushReplies answers message_agent senders waiting on this run.
func (a *Actor) flushReplies(ctx context.Context, status, report string) {
	if len(a.replies) == 0 {
		return
	}
	for _, r := range a.replies {
		if err := a.svc.Hooks.ReportToParent(ctx, r.SenderID, a.cfg.ID, r.Token, status, report); err != nil {
			a.log.Warn("agent.reply_failed", "sender", r.SenderID, "error", err)
		}
	}
	a.replies = nil
	a.persistReplies(ctx)
}

// SpawnSubagent implements tools.Coordinator: the waiter row is armed
// only after the agency accepts the spawn.
func (a *Actor) SpawnSubagent(ctx context.Context, spec tools.SpawnSpec) (string, error) {
	childID, err := a.svc.Hooks.SpawnSubagent(ctx, a.cfg.ID, spec)
	if err != nil {
		return "", err
	}
	if err := a.svc.Store.AddWaiter(ctx, waiterRecord(spec.Token, spec.CallID, childID)); err != nil {
		return "", fmt.Errorf("arm waiter: %w", err)
	}
	return childID, nil
}

// MessageAgent implements tools.Coordinator for cross-agent messages.
func (a *Actor) MessageAgent(ctx context.Context, spec tools.SendSpec) error {
	if err := a.svc.Hooks.MessageAgent(ctx, a.cfg.ID, spec); err != nil {
		return err
	}
	if err := a.svc.Store.AddWaiter(ctx, waiterRecord(spec.Token, spec.CallID, spec.TargetID)); err != nil {
		return fmt.Errorf("arm waiter: %w", err)
	}
	return nil
}

// actorRuntime adapts the actor to the plugin Runtime contract.
type actorRuntime struct {
	a *Actor
}

func (a *Actor) runtime() plugins.Runtime { return actorRuntime{a} }

func (r actorRuntime) AgentID() string  { return r.a.cfg.ID }
func (r actorRuntime) AgencyID() string { return r.a.cfg.AgencyID }

func (r actorRuntime) Var(name string) (any, bool) {
	v, ok := r.a.vars[name]
	return v, ok
}

func (r actorRuntime) Vars() map[string]any { return r.a.vars }

func (r actorRuntime) SetVar(ctx context.Context, name string, value any) error {
	return r.a.setVar(ctx, name, value)
}

func (r actorRuntime) Emit(ctx context.Context, typ string, payload any) error {
	if seq := r.a.emit(ctx, typ, payload); seq == 0 {
		return fmt.Errorf("emit %s failed", typ)
	}
	return nil
}

func (r actorRuntime) Projection() projection.Projection { return r.a.proj }
func (r actorRuntime) Provider() providers.Provider      { return r.a.svc.Provider }
func (r actorRuntime) Approved(callID string) bool       { return r.a.approved[callID] }

func (r actorRuntime) ReportToParent(ctx context.Context, token, status, report string) error {
	parent, _ := r.a.vars[plugins.VarParentAgentID].(string)
	if parent == "" {
		return fmt.Errorf("no parent agent")
	}
	return r.a.svc.Hooks.ReportToParent(ctx, parent, r.a.cfg.ID, token, status, report)
}

func (r actorRuntime) Logger() *slog.Logger { return r.a.log }

var _ tools.Coordinator = (*Actor)(nil)
