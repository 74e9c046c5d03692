// Package agency implements the per-tenant coordinator: blueprint
// management, agent spawning and teardown, cross-agent coordination,
// event relaying, and the schedule engine.
package agency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agencykit/agentd/internal/agent"
	"github.com/agencykit/agentd/internal/files"
	"github.com/agencykit/agentd/internal/mcp"
	"github.com/agencykit/agentd/internal/plugins"
	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/store"
	"github.com/agencykit/agentd/internal/tools"
)

var (
	// ErrAgentNotFound is returned for unknown or stopped agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrBlueprintNotFound is returned for unknown agent types.
	ErrBlueprintNotFound = errors.New("blueprint not found")
)

var blueprintName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// forkTokenWindow bounds how stale a fork token may be.
const forkTokenWindow = 60 * time.Second

// Config parameterizes an agency.
type Config struct {
	ID string
	// LoopDefaults seed every spawned agent's limits.
	MaxIterations    int
	MaxParallelTools int
	// BlueprintDir optionally holds static YAML blueprints.
	BlueprintDir string
	// FilesDir is the root for agent file storage; empty disables it.
	FilesDir string
}

// Agency is one tenant.
type Agency struct {
	cfg      Config
	store    store.AgencyStore
	factory  store.Factory
	registry *tools.Registry
	provider providers.Provider
	relay    *Relay
	sched    *Scheduler
	mcp      *mcp.Manager
	files    *files.Local
	watcher  *blueprintWatcher
	log      *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agent.Actor
	// static holds YAML-defined blueprints; persisted ones shadow them.
	static map[string]store.Blueprint
}

// New builds an agency over its store. Call Start before use.
func New(cfg Config, st store.AgencyStore, factory store.Factory, registry *tools.Registry, provider providers.Provider, log *slog.Logger) *Agency {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = agent.DefaultMaxIterations
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Agency{
		cfg:      cfg,
		store:    st,
		factory:  factory,
		registry: registry,
		provider: provider,
		relay:    NewRelay(cfg.ID),
		log:      log.With("agency", cfg.ID),
		agents:   make(map[string]*agent.Actor),
		static:   make(map[string]store.Blueprint),
	}
	g.sched = NewScheduler(g)
	g.mcp = mcp.NewManager(cfg.ID, st, registry, g.log)
	return g
}

// ID returns the agency identifier.
func (g *Agency) ID() string { return g.cfg.ID }

// Relay exposes the live event stream.
func (g *Agency) Relay() *Relay { return g.relay }

// Registry exposes the agency's tool surface.
func (g *Agency) Registry() *tools.Registry { return g.registry }

// Store exposes the agency store for read paths (schedules, MCP config).
func (g *Agency) Store() store.AgencyStore { return g.store }

// Scheduler exposes the schedule engine.
func (g *Agency) Scheduler() *Scheduler { return g.sched }

// MCP exposes the remote tool-server manager.
func (g *Agency) MCP() *mcp.Manager { return g.mcp }

// Files exposes the agency's file storage, or nil when disabled.
func (g *Agency) Files() files.Store {
	if g.files == nil {
		return nil
	}
	return g.files
}

// Start restores registered agents, loads static blueprints, and arms
// the scheduler.
func (g *Agency) Start(ctx context.Context) error {
	if g.cfg.BlueprintDir != "" {
		w, err := watchBlueprints(g.cfg.BlueprintDir, g.log, g.setStatic)
		if err != nil {
			return fmt.Errorf("blueprint dir: %w", err)
		}
		g.watcher = w
	}
	if g.cfg.FilesDir != "" {
		fs, err := files.NewLocal(g.cfg.FilesDir, g.cfg.ID)
		if err != nil {
			return fmt.Errorf("files dir: %w", err)
		}
		g.files = fs
	}
	if err := g.mcp.Start(ctx); err != nil {
		g.log.Warn("agency.mcp_start_failed", "error", err)
	}

	records, err := g.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, rec := range records {
		if _, err := g.reviveAgent(ctx, rec); err != nil {
			g.log.Error("agency.revive_failed", "agent", rec.ID, "error", err)
		}
	}

	if err := g.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// Close stops the scheduler, the blueprint watcher, and all actors.
func (g *Agency) Close() {
	g.sched.Close()
	g.mcp.Stop()
	if g.watcher != nil {
		g.watcher.Close()
	}
	g.mu.Lock()
	actors := make([]*agent.Actor, 0, len(g.agents))
	for _, a := range g.agents {
		actors = append(actors, a)
	}
	g.agents = make(map[string]*agent.Actor)
	g.mu.Unlock()
	for _, a := range actors {
		a.Close()
	}
}

func (g *Agency) setStatic(bps map[string]store.Blueprint) {
	g.mu.Lock()
	g.static = bps
	g.mu.Unlock()
	g.log.Info("agency.blueprints_reloaded", "count", len(bps))
}

// Agent looks up a running actor.
func (g *Agency) Agent(id string) (*agent.Actor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// PutBlueprint creates or updates a blueprint, preserving creation time
// on update.
func (g *Agency) PutBlueprint(ctx context.Context, bp store.Blueprint) (*store.Blueprint, error) {
	if !blueprintName.MatchString(bp.Name) {
		return nil, fmt.Errorf("invalid blueprint name %q", bp.Name)
	}
	if strings.TrimSpace(bp.Prompt) == "" {
		return nil, fmt.Errorf("blueprint %q: prompt is required", bp.Name)
	}

	now := time.Now().UTC()
	bp.UpdatedAt = now
	bp.CreatedAt = now
	if existing, err := g.store.GetBlueprint(ctx, bp.Name); err == nil {
		bp.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := g.store.PutBlueprint(ctx, bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

// GetBlueprint resolves a blueprint; persisted definitions shadow
// static YAML ones.
func (g *Agency) GetBlueprint(ctx context.Context, name string) (*store.Blueprint, error) {
	bp, err := g.store.GetBlueprint(ctx, name)
	if err == nil {
		return bp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	g.mu.RLock()
	static, ok := g.static[name]
	g.mu.RUnlock()
	if ok {
		return &static, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBlueprintNotFound, name)
}

// ListBlueprints merges persisted and static definitions.
func (g *Agency) ListBlueprints(ctx context.Context) ([]store.Blueprint, error) {
	persisted, err := g.store.ListBlueprints(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(persisted))
	for _, bp := range persisted {
		seen[bp.Name] = true
	}
	g.mu.RLock()
	for name, bp := range g.static {
		if !seen[name] {
			persisted = append(persisted, bp)
		}
	}
	g.mu.RUnlock()
	return persisted, nil
}

// DeleteBlueprint removes a persisted blueprint. Static definitions
// cannot be deleted through the API.
func (g *Agency) DeleteBlueprint(ctx context.Context, name string) error {
	return g.store.DeleteBlueprint(ctx, name)
}

// SpawnRequest starts a new agent instance.
type SpawnRequest struct {
	AgentType string
	ID        string
	Message   string
	Vars      map[string]any
	ParentID  string
	Metadata  map[string]string
}

// Spawn registers and starts an agent from its blueprint.
func (g *Agency) Spawn(ctx context.Context, req SpawnRequest) (*agent.Actor, error) {
	bp, err := g.GetBlueprint(ctx, req.AgentType)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := store.AgentRecord{
		ID:             id,
		Type:           req.AgentType,
		CreatedAt:      time.Now().UTC(),
		Metadata:       req.Metadata,
		RelatedAgentID: req.ParentID,
	}
	if err := g.store.CreateAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}

	a, err := g.startActor(ctx, rec, bp)
	if err != nil {
		_ = g.store.DeleteAgent(ctx, id)
		return nil, err
	}

	// Configured MCP servers are visible to every agent as a var.
	if servers, err := g.store.ListMCPServers(ctx); err == nil && len(servers) > 0 {
		ids := make([]string, len(servers))
		for i, srv := range servers {
			ids[i] = srv.ID
		}
		if err := a.SetVar(ctx, "MCP_SERVERS", ids); err != nil {
			g.log.Warn("agency.set_var_failed", "agent", id, "var", "MCP_SERVERS", "error", err)
		}
	}

	// Blueprint vars first, then per-spawn overrides.
	for name, v := range bp.Vars {
		if err := a.SetVar(ctx, name, v); err != nil {
			g.log.Warn("agency.set_var_failed", "agent", id, "var", name, "error", err)
		}
	}
	for name, v := range req.Vars {
		if err := a.SetVar(ctx, name, v); err != nil {
			g.log.Warn("agency.set_var_failed", "agent", id, "var", name, "error", err)
		}
	}

	if req.Message != "" {
		if err := a.Invoke(ctx, req.Message); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (g *Agency) startActor(ctx context.Context, rec store.AgentRecord, bp *store.Blueprint) (*agent.Actor, error) {
	agentStore, err := g.factory.OpenAgent(g.cfg.ID, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}

	host := plugins.NewHost(g.log,
		plugins.VarsPlugin(),
		plugins.HITLPlugin(),
		plugins.SubagentReporterPlugin(),
		plugins.SummarizerPlugin(),
	)

	a := agent.New(agent.Config{
		AgencyID:         g.cfg.ID,
		ID:               rec.ID,
		Type:             rec.Type,
		Prompt:           bp.Prompt,
		Capabilities:     bp.Capabilities,
		Model:            bp.Model,
		MaxIterations:    g.cfg.MaxIterations,
		MaxParallelTools: g.cfg.MaxParallelTools,
	}, agent.Services{
		Store:    agentStore,
		Registry: g.registry,
		Provider: g.provider,
		Plugins:  host,
		Hooks:    g,
		Relay:    g.relay.Publish,
		Log:      g.log,
	})
	if err := a.Start(ctx); err != nil {
		agentStore.Close()
		return nil, fmt.Errorf("start actor: %w", err)
	}

	g.mu.Lock()
	g.agents[rec.ID] = a
	g.mu.Unlock()
	return a, nil
}

func (g *Agency) reviveAgent(ctx context.Context, rec store.AgentRecord) (*agent.Actor, error) {
	bp, err := g.GetBlueprint(ctx, rec.Type)
	if err != nil {
		return nil, err
	}
	return g.startActor(ctx, rec, bp)
}

// ListAgents returns the registered agent records.
func (g *Agency) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	return g.store.ListAgents(ctx)
}

// DeleteAgent stops an agent and removes its state entirely.
func (g *Agency) DeleteAgent(ctx context.Context, id string) error {
	g.mu.Lock()
	a, ok := g.agents[id]
	delete(g.agents, id)
	g.mu.Unlock()
	if ok {
		a.Close()
	}
	if err := g.store.DeleteAgent(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return g.factory.DropAgent(g.cfg.ID, id)
}

// Destroy tears the whole agency down: actors, schedules, storage.
func (g *Agency) Destroy(ctx context.Context) error {
	g.Close()
	if err := g.store.Close(); err != nil {
		g.log.Warn("agency.store_close_failed", "error", err)
	}
	if g.files != nil {
		if err := g.files.Destroy(); err != nil {
			g.log.Warn("agency.files_teardown_failed", "error", err)
		}
	}
	return g.factory.DropAgency(g.cfg.ID)
}

// TreeNode is one agent with its descendants.
type TreeNode struct {
	Agent    store.AgentRecord `json:"agent"`
	Children []*TreeNode       `json:"children,omitempty"`
}

// Forest returns all agents arranged by parent relation.
func (g *Agency) Forest(ctx context.Context) ([]*TreeNode, error) {
	records, err := g.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*TreeNode, len(records))
	for _, rec := range records {
		nodes[rec.ID] = &TreeNode{Agent: rec}
	}
	var roots []*TreeNode
	for _, rec := range records {
		node := nodes[rec.ID]
		if parent, ok := nodes[rec.RelatedAgentID]; ok && rec.RelatedAgentID != rec.ID {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots, nil
}

// Tree returns the subtree rooted at id.
func (g *Agency) Tree(ctx context.Context, id string) (*TreeNode, error) {
	forest, err := g.Forest(ctx)
	if err != nil {
		return nil, err
	}
	var find func(nodes []*TreeNode) *TreeNode
	find = func(nodes []*TreeNode) *TreeNode {
		for _, n := range nodes {
			if n.Agent.ID == id {
				return n
			}
			if found := find(n.Children); found != nil {
				return found
			}
		}
		return nil
	}
	if node := find(forest); node != nil {
		return node, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// Ancestors walks the parent chain from id to its root, nearest first.
func (g *Agency) Ancestors(ctx context.Context, id string) ([]store.AgentRecord, error) {
	var out []store.AgentRecord
	seen := map[string]bool{id: true}
	current := id
	for {
		rec, err := g.store.GetAgent(ctx, current)
		if err != nil {
			return nil, err
		}
		if rec.RelatedAgentID == "" || seen[rec.RelatedAgentID] {
			return out, nil
		}
		parent, err := g.store.GetAgent(ctx, rec.RelatedAgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, *parent)
		seen[parent.ID] = true
		current = parent.ID
	}
}

// SetVar stores an agency-wide variable.
func (g *Agency) SetVar(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set agency var: %w", err)
	}
	return g.store.KVSet(ctx, store.PrefixVars+name, raw)
}

// GetVars returns all agency-wide variables.
func (g *Agency) GetVars(ctx context.Context) (map[string]any, error) {
	kvs, err := g.store.KVList(ctx, store.PrefixVars)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(kvs))
	for key, raw := range kvs {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[key[len(store.PrefixVars):]] = v
		}
	}
	return out, nil
}

// DeleteVar removes an agency-wide variable.
func (g *Agency) DeleteVar(ctx context.Context, name string) error {
	return g.store.KVDelete(ctx, store.PrefixVars+name)
}

// Fork copies an agent's history into a fresh agent, optionally
// truncated at sequence number at (0 = full history). The internal
// transfer token binds source, target, time, and tenant.
func (g *Agency) Fork(ctx context.Context, sourceID string, at int64) (*agent.Actor, error) {
	src, err := g.Agent(sourceID)
	if err != nil {
		return nil, err
	}
	rec, err := g.store.GetAgent(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	targetID := uuid.NewString()
	token := g.forkToken(sourceID, targetID)

	evs, err := src.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("export source: %w", err)
	}
	if at > 0 {
		n := 0
		for _, e := range evs {
			if e.Seq > at {
				break
			}
			n++
		}
		evs = evs[:n]
	}

	target, err := g.Spawn(ctx, SpawnRequest{
		AgentType: rec.Type,
		ID:        targetID,
		ParentID:  rec.RelatedAgentID,
		Metadata: map[string]string{
			"forkedFrom": sourceID,
			"forkedAt":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}

	if err := g.redeemForkToken(token, sourceID, targetID); err != nil {
		_ = g.DeleteAgent(ctx, targetID)
		return nil, err
	}
	if err := target.ImportEvents(ctx, evs); err != nil {
		_ = g.DeleteAgent(ctx, targetID)
		return nil, err
	}
	return target, nil
}

func (g *Agency) forkToken(sourceID, targetID string) string {
	raw := fmt.Sprintf("%s:%s:%d:%s", sourceID, targetID, time.Now().UnixMilli(), g.cfg.ID)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// redeemForkToken validates the token's binding and freshness.
func (g *Agency) redeemForkToken(token, sourceID, targetID string) error {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("fork token: %w", err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return fmt.Errorf("fork token: malformed")
	}
	if parts[0] != sourceID || parts[1] != targetID || parts[3] != g.cfg.ID {
		return fmt.Errorf("fork token: binding mismatch")
	}
	var ts int64
	if _, err := fmt.Sscanf(parts[2], "%d", &ts); err != nil {
		return fmt.Errorf("fork token: bad timestamp")
	}
	age := time.Since(time.UnixMilli(ts))
	if age < 0 || age > forkTokenWindow {
		return fmt.Errorf("fork token: expired")
	}
	return nil
}

// SpawnSubagent implements agent.AgencyHooks.
func (g *Agency) SpawnSubagent(ctx context.Context, parentID string, spec tools.SpawnSpec) (string, error) {
	vars := make(map[string]any, len(spec.Vars)+2)
	for k, v := range spec.Vars {
		vars[k] = v
	}
	vars[plugins.VarParentAgentID] = parentID
	vars[plugins.VarSubagentToken] = spec.Token

	child, err := g.Spawn(ctx, SpawnRequest{
		AgentType: spec.AgentType,
		Message:   spec.Message,
		Vars:      vars,
		ParentID:  parentID,
	})
	if err != nil {
		return "", err
	}
	g.log.Info("agency.subagent_spawned", "parent", parentID, "child", child.ID(), "type", spec.AgentType)
	return child.ID(), nil
}

// MessageAgent implements agent.AgencyHooks. Only an agent's own
// children are addressable.
func (g *Agency) MessageAgent(ctx context.Context, senderID string, spec tools.SendSpec) error {
	rec, err := g.store.GetAgent(ctx, spec.TargetID)
	if err != nil {
		return err
	}
	if rec.RelatedAgentID != senderID {
		return fmt.Errorf("agent %s is not a subagent of %s", spec.TargetID, senderID)
	}
	target, err := g.Agent(spec.TargetID)
	if err != nil {
		return err
	}
	return target.ReceiveMessage(ctx, senderID, spec.Message, spec.Token)
}

// ReportToParent implements agent.AgencyHooks. The child's outcome is
// recorded on its registration row, then the waiter token is redeemed.
func (g *Agency) ReportToParent(ctx context.Context, parentID, childID, token, status, report string) error {
	if err := g.store.UpdateAgent(ctx, childID, status, report); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.log.Warn("agency.record_report_failed", "child", childID, "error", err)
	}
	parent, err := g.Agent(parentID)
	if err != nil {
		return err
	}
	return parent.SubagentReport(ctx, token, status, report)
}

// CancelSubagent implements agent.AgencyHooks.
func (g *Agency) CancelSubagent(ctx context.Context, childID string) error {
	child, err := g.Agent(childID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil
		}
		return err
	}
	return child.Cancel(ctx)
}

var _ agent.AgencyHooks = (*Agency)(nil)
