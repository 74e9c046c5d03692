package agency

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agencykit/agentd/internal/store"
)

// blueprintFile is the on-disk YAML shape. The file name (sans
// extension) is the blueprint name unless overridden.
type blueprintFile struct {
	Name         string         `yaml:"name"`
	Prompt       string         `yaml:"prompt"`
	Capabilities []string       `yaml:"capabilities"`
	Model        string         `yaml:"model"`
	Vars         map[string]any `yaml:"vars"`
}

// blueprintWatcher keeps static YAML blueprints loaded and hot-reloads
// on file changes.
type blueprintWatcher struct {
	dir     string
	log     *slog.Logger
	onLoad  func(map[string]store.Blueprint)
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// watchBlueprints loads dir once, invokes onLoad, and watches for
// changes. Reloads are debounced; a broken file is skipped with a log
// line rather than failing the reload.
func watchBlueprints(dir string, log *slog.Logger, onLoad func(map[string]store.Blueprint)) (*blueprintWatcher, error) {
	bps, err := loadBlueprintDir(dir, log)
	if err != nil {
		return nil, err
	}
	onLoad(bps)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &blueprintWatcher{
		dir:     dir,
		log:     log,
		onLoad:  onLoad,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *blueprintWatcher) loop() {
	// Editors fire bursts of events per save; coalesce them.
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
			} else {
				timer.Reset(200 * time.Millisecond)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("blueprints.watch_error", "error", err)
		case <-pending:
			pending = nil
			bps, err := loadBlueprintDir(w.dir, w.log)
			if err != nil {
				w.log.Error("blueprints.reload_failed", "error", err)
				continue
			}
			w.onLoad(bps)
		}
	}
}

// Close stops the watcher.
func (w *blueprintWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadBlueprintDir parses every YAML file in dir into blueprints.
func loadBlueprintDir(dir string, log *slog.Logger) (map[string]store.Blueprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	out := make(map[string]store.Blueprint)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		bp, err := loadBlueprintFile(path)
		if err != nil {
			log.Warn("blueprints.skip_file", "path", path, "error", err)
			continue
		}
		out[bp.Name] = *bp
	}
	return out, nil
}

func loadBlueprintFile(path string) (*store.Blueprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f blueprintFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	name := f.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if !blueprintName.MatchString(name) {
		return nil, fmt.Errorf("invalid blueprint name %q", name)
	}
	if strings.TrimSpace(f.Prompt) == "" {
		return nil, fmt.Errorf("blueprint %q: prompt is required", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &store.Blueprint{
		Name:         name,
		Prompt:       f.Prompt,
		Capabilities: f.Capabilities,
		Model:        f.Model,
		Vars:         f.Vars,
		CreatedAt:    info.ModTime().UTC(),
		UpdatedAt:    info.ModTime().UTC(),
	}, nil
}
