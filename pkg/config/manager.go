package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and reloads it when the file changes.
// Readers always see a complete, validated Config.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	onChange []func(old, cur *Config)
}

// NewManager loads path and returns a Manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked after each successful reload with
// the previous and the new configuration.
func (m *Manager) OnChange(fn func(old, cur *Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(m.debounce, m.Reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the file. An invalid file keeps the current config.
func (m *Manager) Reload() {
	cur, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping current", "error", err)
		return
	}
	old := m.config.Swap(cur)
	m.logger.Info("configuration reloaded", "path", m.path)

	m.mu.Lock()
	fns := append([]func(old, cur *Config){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(old, cur)
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
