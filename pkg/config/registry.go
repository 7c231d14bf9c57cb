package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry owns the live configuration: it loads the document, watches the
// file for external edits, and applies runtime mutations that are persisted
// back to disk. Readers get an immutable snapshot; the pointer swaps
// atomically under the lock.
type Registry struct {
	path string

	mu      sync.RWMutex
	current *Config
	subs    []func(*Config)

	// set while Update writes the file, so the watcher can skip the
	// resulting fsnotify event
	selfWrite bool
}

// NewRegistry loads the config at path and returns a registry around it.
func NewRegistry(path string) (*Registry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	return &Registry{path: absPath, current: cfg}, nil
}

// Get returns the current snapshot. Callers must not mutate it.
func (r *Registry) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Path returns the absolute path of the backing file.
func (r *Registry) Path() string {
	return r.path
}

// Subscribe registers a callback invoked after every successful reload or
// update. Callbacks run on the mutating goroutine and must be quick.
func (r *Registry) Subscribe(fn func(*Config)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Update applies a mutation to a deep copy of the current config, validates
// it, persists it atomically (tmp + rename), and swaps it in.
func (r *Registry) Update(mutate func(*Config) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := copyConfig(r.current)
	if err != nil {
		return fmt.Errorf("failed to copy config: %w", err)
	}
	if err := mutate(next); err != nil {
		return err
	}
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := r.save(next); err != nil {
		return err
	}

	r.current = next
	for _, fn := range r.subs {
		fn(next)
	}
	return nil
}

func (r *Registry) save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	r.selfWrite = true
	if err := os.Rename(tmp, r.path); err != nil {
		r.selfWrite = false
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// copyConfig deep-copies through JSON, which the document round-trips by
// construction.
func copyConfig(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch follows the backing file with fsnotify and reloads on external
// change. Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; some systems do not support watching files
	// directly, and editors often replace rather than rewrite.
	configDir := filepath.Dir(r.path)
	configFile := filepath.Base(r.path)
	if err := watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", configDir, err)
	}

	slog.Info("Watching config file", "path", r.path)

	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				r.reload()
			})

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher error", "error", werr)
		}
	}
}

func (r *Registry) reload() {
	r.mu.Lock()
	if r.selfWrite {
		// Our own save triggered the event.
		r.selfWrite = false
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	cfg, err := Load(r.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	r.mu.Lock()
	r.current = cfg
	subs := r.subs
	r.mu.Unlock()

	slog.Info("Configuration reloaded", "path", r.path)
	for _, fn := range subs {
		fn(cfg)
	}
}
