package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, applies defaults and environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("config file not found, using defaults", "path", path)
		cfg = DefaultConfig()
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Manager holds the live config and broadcasts changes.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	filePath string

	subMu sync.Mutex
	subs  []chan struct{}
}

// NewManager creates a Manager and loads config from the given file path.
func NewManager(filePath string) (*Manager, error) {
	cfg, err := Load(filePath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Manager{cfg: cfg, filePath: filePath}, nil
}

// NewStaticManager wraps cfg without a backing file.
func NewStaticManager(cfg Config) *Manager {
	cfg.ApplyDefaults()
	return &Manager{cfg: cfg}
}

// Get returns a copy of the current config (safe for concurrent reads).
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Set replaces the live config and notifies subscribers.
func (m *Manager) Set(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	m.subMu.Unlock()
}

// Subscribe returns a new channel that receives a signal whenever config changes.
// Each subscriber gets its own channel so multiple goroutines can independently
// listen for changes.
func (m *Manager) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Watch reloads the config file whenever it is written and runs until ctx is
// cancelled. A reload that fails keeps the previous config active.
func (m *Manager) Watch(ctx context.Context) error {
	if m.filePath == "" {
		<-ctx.Done()
		return nil
	}
	if _, err := os.Stat(m.filePath); err != nil {
		slog.Info("config file absent, hot reload disabled", "path", m.filePath)
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.filePath); err != nil {
		return fmt.Errorf("config: watch %s: %w", m.filePath, err)
	}
	slog.Info("watching config for changes", "path", m.filePath)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so Create counts as a write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(m.filePath)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "path", m.filePath, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", m.filePath)
			m.Set(cfg)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(m.filePath)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
