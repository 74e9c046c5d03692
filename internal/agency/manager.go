package agency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/store"
	"github.com/agencykit/agentd/internal/tools"
)

// ManagerConfig parameterizes agency construction.
type ManagerConfig struct {
	MaxIterations    int
	MaxParallelTools int
	BlueprintDir     string
	FilesDir         string
}

// RegistryFunc builds the tool surface for a newly opened agency.
// Returning a fresh registry per agency keeps MCP-backed tools scoped
// to their tenant.
type RegistryFunc func(agencyID string) *tools.Registry

// Manager owns the live agencies of one process, opening each lazily
// on first touch.
type Manager struct {
	cfg      ManagerConfig
	factory  store.Factory
	provider providers.Provider
	registry RegistryFunc
	log      *slog.Logger

	mu       sync.Mutex
	agencies map[string]*Agency
}

// NewManager builds a manager over the store factory.
func NewManager(cfg ManagerConfig, factory store.Factory, provider providers.Provider, registry RegistryFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		provider: provider,
		registry: registry,
		log:      log,
		agencies: make(map[string]*Agency),
	}
}

// Agency returns the live agency for id, opening it if needed.
func (m *Manager) Agency(ctx context.Context, id string) (*Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.agencies[id]; ok {
		return g, nil
	}

	st, err := m.factory.OpenAgency(id)
	if err != nil {
		return nil, fmt.Errorf("open agency %s: %w", id, err)
	}
	g := New(Config{
		ID:               id,
		MaxIterations:    m.cfg.MaxIterations,
		MaxParallelTools: m.cfg.MaxParallelTools,
		BlueprintDir:     m.cfg.BlueprintDir,
		FilesDir:         m.cfg.FilesDir,
	}, st, m.factory, m.registry(id), m.provider, m.log)
	if err := g.Start(ctx); err != nil {
		g.Close()
		st.Close()
		return nil, fmt.Errorf("start agency %s: %w", id, err)
	}
	m.agencies[id] = g
	return g, nil
}

// List returns the currently open agency IDs.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.agencies))
	for id := range m.agencies {
		out = append(out, id)
	}
	return out
}

// Delete destroys an agency and all of its agents' state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	g, ok := m.agencies[id]
	delete(m.agencies, id)
	m.mu.Unlock()
	if !ok {
		// Never opened this process; remove storage directly.
		return m.factory.DropAgency(id)
	}
	return g.Destroy(ctx)
}

// Close shuts every open agency down without deleting state.
func (m *Manager) Close() {
	m.mu.Lock()
	agencies := make([]*Agency, 0, len(m.agencies))
	for _, g := range m.agencies {
		agencies = append(agencies, g)
	}
	m.agencies = make(map[string]*Agency)
	m.mu.Unlock()
	for _, g := range agencies {
		g.Close()
	}
}
