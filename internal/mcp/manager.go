// Package mcp connects configured MCP servers over streamable HTTP and
// surfaces their tools into the agency's tool registry under
// mcp_<server>_<tool> names.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agencykit/agentd/internal/store"
	"github.com/agencykit/agentd/internal/tools"
)

// Connection lifecycle states.
const (
	StateAuthenticating = "authenticating"
	StateConnecting     = "connecting"
	StateConnected      = "connected"
	StateDiscovering    = "discovering"
	StateReady          = "ready"
	StateFailed         = "failed"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	connectTimeout       = 30 * time.Second
)

// ServerStatus is the reported state of one server connection.
type ServerStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	State     string `json:"state"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single server connection.
type serverState struct {
	server    store.MCPServer
	client    *mcpclient.Client
	toolNames []string
	cancel    context.CancelFunc

	mu             sync.Mutex
	state          string
	reconnAttempts int
	lastErr        string
}

func (ss *serverState) setState(state, errMsg string) {
	ss.mu.Lock()
	ss.state = state
	ss.lastErr = errMsg
	ss.mu.Unlock()
}

// Manager orchestrates one agency's MCP server connections.
type Manager struct {
	agencyID string
	store    store.AgencyStore
	registry *tools.Registry
	log      *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager builds a manager over the agency's persisted server
// configurations.
func NewManager(agencyID string, st store.AgencyStore, registry *tools.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		agencyID: agencyID,
		store:    st,
		registry: registry,
		log:      log.With("agency", agencyID, "component", "mcp"),
		servers:  make(map[string]*serverState),
	}
}

// Start connects every persisted server. Individual failures are
// logged and reflected in status, never fatal.
func (m *Manager) Start(ctx context.Context) error {
	servers, err := m.store.ListMCPServers(ctx)
	if err != nil {
		return fmt.Errorf("list mcp servers: %w", err)
	}
	for _, srv := range servers {
		if err := m.connect(ctx, srv); err != nil {
			m.log.Warn("mcp.server.connect_failed", "server", srv.Name, "error", err)
		}
	}
	return nil
}

// AddServer persists a new server and connects to it. A connect
// failure still returns the stored record; the failure is visible in
// its status.
func (m *Manager) AddServer(ctx context.Context, srv store.MCPServer) (*store.MCPServer, error) {
	if srv.URL == "" {
		return nil, fmt.Errorf("mcp server: url is required")
	}
	if srv.Name == "" {
		return nil, fmt.Errorf("mcp server: name is required")
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	srv.Status = StateConnecting
	if err := m.store.PutMCPServer(ctx, srv); err != nil {
		return nil, err
	}
	if err := m.connect(ctx, srv); err != nil {
		m.log.Warn("mcp.server.connect_failed", "server", srv.Name, "error", err)
	}
	got, err := m.store.GetMCPServer(ctx, srv.ID)
	if err != nil {
		return &srv, nil
	}
	return got, nil
}

// RemoveServer disconnects a server, unregisters its tools, and
// deletes its configuration.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.disconnect(id)
	return m.store.DeleteMCPServer(ctx, id)
}

// Reconnect tears a connection down and dials again from the persisted
// configuration.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	srv, err := m.store.GetMCPServer(ctx, id)
	if err != nil {
		return err
	}
	m.disconnect(id)
	return m.connect(ctx, *srv)
}

// Stop closes every connection and unregisters all surfaced tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.disconnect(id)
	}
}

// ToolInfo describes one surfaced remote tool.
type ToolInfo struct {
	ServerID    string `json:"serverId"`
	Name        string `json:"name"`
	LocalName   string `json:"localName"`
	Description string `json:"description,omitempty"`
}

// Tools returns the catalog of surfaced remote tools.
func (m *Manager) Tools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolInfo
	for _, ss := range m.servers {
		for _, local := range ss.toolNames {
			t, ok := m.registry.Get(local)
			if !ok {
				continue
			}
			info := ToolInfo{ServerID: ss.server.ID, LocalName: local, Description: t.Description()}
			if bt, ok := t.(*bridgeTool); ok {
				info.Name = bt.RemoteName()
			} else {
				info.Name = local
			}
			out = append(out, info)
		}
	}
	return out
}

// CallTool invokes one remote tool directly, bypassing any agent.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (any, error) {
	local := tools.MCPToolName(serverID, toolName)
	t, ok := m.registry.Get(local)
	if !ok {
		return nil, fmt.Errorf("mcp tool not found: %s/%s", serverID, toolName)
	}
	return t.Execute(ctx, tools.Invocation{AgencyID: m.agencyID}, args)
}

// Status reports every known connection.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		out = append(out, ServerStatus{
			ID:        ss.server.ID,
			Name:      ss.server.Name,
			URL:       ss.server.URL,
			State:     ss.state,
			ToolCount: len(ss.toolNames),
			Error:     ss.lastErr,
		})
		ss.mu.Unlock()
	}
	return out
}

// connect dials, initializes, discovers, and registers one server.
func (m *Manager) connect(ctx context.Context, srv store.MCPServer) error {
	m.disconnect(srv.ID)

	ss := &serverState{server: srv}
	m.mu.Lock()
	m.servers[srv.ID] = ss
	m.mu.Unlock()

	fail := func(err error) error {
		ss.setState(StateFailed, err.Error())
		m.persistStatus(srv.ID, StateFailed, err.Error())
		return err
	}

	if len(srv.Headers) > 0 {
		ss.setState(StateAuthenticating, "")
	} else {
		ss.setState(StateConnecting, "")
	}

	var opts []transport.StreamableHTTPCOption
	if len(srv.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(srv.Headers))
	}
	client, err := mcpclient.NewStreamableHttpClient(srv.URL, opts...)
	if err != nil {
		return fail(fmt.Errorf("create client: %w", err))
	}
	ss.client = client

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Start(dialCtx); err != nil {
		_ = client.Close()
		return fail(fmt.Errorf("start transport: %w", err))
	}
	ss.setState(StateConnected, "")

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agentd", Version: "1.0.0"}
	if _, err := client.Initialize(dialCtx, initReq); err != nil {
		_ = client.Close()
		return fail(fmt.Errorf("initialize: %w", err))
	}

	ss.setState(StateDiscovering, "")
	toolsResult, err := client.ListTools(dialCtx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fail(fmt.Errorf("list tools: %w", err))
	}

	var registered []string
	for _, remote := range toolsResult.Tools {
		bt := newBridgeTool(srv.ID, remote, client)
		if _, exists := m.registry.Get(bt.Name()); exists {
			m.log.Warn("mcp.tool.name_collision", "server", srv.Name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered
	ss.setState(StateReady, "")
	m.persistStatus(srv.ID, StateReady, "")

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.log.Info("mcp.server.ready", "server", srv.Name, "tools", len(registered))
	return nil
}

// disconnect closes one connection and removes its tools.
func (m *Manager) disconnect(id string) {
	m.mu.Lock()
	ss, ok := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if ss.cancel != nil {
		ss.cancel()
	}
	if ss.client != nil {
		if err := ss.client.Close(); err != nil {
			m.log.Debug("mcp.server.close_error", "server", ss.server.Name, "error", err)
		}
	}
	for _, name := range ss.toolNames {
		m.registry.Unregister(name)
	}
}

func (m *Manager) persistStatus(id, status, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, err := m.store.GetMCPServer(ctx, id)
	if err != nil {
		return
	}
	srv.Status = status
	srv.LastError = lastErr
	if err := m.store.PutMCPServer(ctx, *srv); err != nil {
		m.log.Warn("mcp.server.persist_status_failed", "server", id, "error", err)
	}
}

// healthLoop pings the server periodically and drives reconnection
// with exponential backoff on failure.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.mu.Lock()
				ss.state = StateReady
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
				continue
			}
			// Servers without "ping" are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				continue
			}
			ss.setState(StateFailed, err.Error())
			m.log.Warn("mcp.server.health_failed", "server", ss.server.Name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		m.log.Error("mcp.server.reconnect_exhausted", "server", ss.server.Name)
		m.persistStatus(ss.server.ID, StateFailed, ss.lastErr)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.log.Info("mcp.server.reconnecting", "server", ss.server.Name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The transport may have recovered on its own.
	if err := ss.client.Ping(ctx); err == nil {
		ss.mu.Lock()
		ss.state = StateReady
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		m.log.Info("mcp.server.reconnected", "server", ss.server.Name)
		m.persistStatus(ss.server.ID, StateReady, "")
	}
}
