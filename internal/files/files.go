// Package files provides tenant-scoped file storage for agents. Paths
// use a virtual layout: ~/ is the calling agent's home, /shared/ is the
// agency-wide area, and /agents/<id>/ addresses another agent's home
// (readable by anyone in the agency, writable only by its owner).
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidPath is returned for paths outside the virtual layout.
	ErrInvalidPath = errors.New("invalid path")
	// ErrForbidden is returned for writes into another agent's home.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")
)

// Entry describes one stored file.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store is tenant-scoped file storage. The agentID identifies the
// caller for ~/ resolution and write permission checks.
type Store interface {
	List(ctx context.Context, agentID, dir string) ([]Entry, error)
	Read(ctx context.Context, agentID, name string) ([]byte, error)
	Write(ctx context.Context, agentID, name string, data []byte) error
	Delete(ctx context.Context, agentID, name string) error
}

// Local stores files under root/<agencyID>/ on the local filesystem.
type Local struct {
	root string
}

// NewLocal builds a store rooted at dir for one agency.
func NewLocal(dir, agencyID string) (*Local, error) {
	root := filepath.Join(dir, agencyID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("files root: %w", err)
	}
	return &Local{root: root}, nil
}

// Destroy removes the agency's entire file tree.
func (l *Local) Destroy() error {
	return os.RemoveAll(l.root)
}

// resolve maps a virtual path to a filesystem path and reports whether
// the calling agent may write there.
func (l *Local) resolve(agentID, name string) (fsPath string, writable bool, err error) {
	name = strings.TrimSpace(name)
	var base, rest string
	switch {
	case name == "~" || strings.HasPrefix(name, "~/"):
		base = path.Join("agents", agentID)
		rest = strings.TrimPrefix(name, "~")
		writable = true
	case name == "/shared" || strings.HasPrefix(name, "/shared/"):
		base = "shared"
		rest = strings.TrimPrefix(name, "/shared")
		writable = true
	case strings.HasPrefix(name, "/agents/"):
		tail := strings.TrimPrefix(name, "/agents/")
		owner, after, _ := strings.Cut(tail, "/")
		if owner == "" {
			return "", false, fmt.Errorf("%w: %s", ErrInvalidPath, name)
		}
		base = path.Join("agents", owner)
		rest = after
		writable = owner == agentID
	default:
		return "", false, fmt.Errorf("%w: %s", ErrInvalidPath, name)
	}

	// Clean and confine to the area; no escapes via "..".
	rel := path.Clean(path.Join(base, rest))
	if rel != base && !strings.HasPrefix(rel, base+"/") {
		return "", false, fmt.Errorf("%w: %s", ErrInvalidPath, name)
	}
	return filepath.Join(l.root, filepath.FromSlash(rel)), writable, nil
}

// virtualPath maps a filesystem path back to the virtual layout.
func (l *Local) virtualPath(fsPath string) string {
	rel, err := filepath.Rel(l.root, fsPath)
	if err != nil {
		return fsPath
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "shared/") || rel == "shared" {
		return "/" + rel
	}
	return "/" + rel
}

// List returns the files under dir, recursively, sorted by path.
func (l *Local) List(ctx context.Context, agentID, dir string) ([]Entry, error) {
	full, _, err := l.resolve(agentID, dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Entry{
			Path:    l.virtualPath(p),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read returns a file's contents. Any agent in the agency may read any
// path in the layout.
func (l *Local) Read(ctx context.Context, agentID, name string) ([]byte, error) {
	full, _, err := l.resolve(agentID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// Write stores a file, creating parent directories. Writes into
// another agent's home are rejected.
func (l *Local) Write(ctx context.Context, agentID, name string, data []byte) error {
	full, writable, err := l.resolve(agentID, name)
	if err != nil {
		return err
	}
	if !writable {
		return fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// Delete removes a file. Same ownership rule as Write.
func (l *Local) Delete(ctx context.Context, agentID, name string) error {
	full, writable, err := l.resolve(agentID, name)
	if err != nil {
		return err
	}
	if !writable {
		return fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}

var _ Store = (*Local)(nil)
