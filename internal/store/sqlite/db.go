// Package sqlite implements the store contracts on embedded sqlite
// databases, one file per agency and one per agent.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/agencykit/agentd/internal/store"
)

// maxSQLParams caps the number of bound parameters per statement. Bulk
// inserts are chunked below this limit.
const maxSQLParams = 900

// Open opens (and creates) a sqlite database at path with the pragmas
// the actors rely on.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Each database belongs to exactly one actor goroutine.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Factory maps actors onto database files under a root directory:
// <root>/<agencyID>/agency.db and <root>/<agencyID>/agents/<agentID>.db.
type Factory struct {
	Root string
}

// NewFactory creates a factory rooted at dir.
func NewFactory(dir string) *Factory {
	return &Factory{Root: dir}
}

func (f *Factory) agencyPath(agencyID string) string {
	return filepath.Join(f.Root, agencyID, "agency.db")
}

func (f *Factory) agentPath(agencyID, agentID string) string {
	return filepath.Join(f.Root, agencyID, "agents", agentID+".db")
}

// OpenAgency opens the per-tenant store.
func (f *Factory) OpenAgency(agencyID string) (store.AgencyStore, error) {
	db, err := Open(f.agencyPath(agencyID))
	if err != nil {
		return nil, err
	}
	return NewAgencyStore(db)
}

// OpenAgent opens one agent's store.
func (f *Factory) OpenAgent(agencyID, agentID string) (store.AgentStore, error) {
	db, err := Open(f.agentPath(agencyID, agentID))
	if err != nil {
		return nil, err
	}
	return NewAgentStore(db)
}

// DropAgent deletes the agent's database files.
func (f *Factory) DropAgent(agencyID, agentID string) error {
	base := f.agentPath(agencyID, agentID)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("drop agent db: %w", err)
		}
	}
	return nil
}

// DropAgency deletes the whole tenant directory.
func (f *Factory) DropAgency(agencyID string) error {
	if err := os.RemoveAll(filepath.Join(f.Root, agencyID)); err != nil {
		return fmt.Errorf("drop agency dir: %w", err)
	}
	return nil
}

var _ store.Factory = (*Factory)(nil)
