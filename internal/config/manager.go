package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Status describes the last successful load.
type Status struct {
	Path        string
	Checksum    string
	LoadedAt    time.Time
	ReloadCount int
}

// Manager owns the live configuration and reloads it when the file changes.
type Manager struct {
	config atomic.Pointer[Config]
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
}

// NewManager loads path and creates a manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns a snapshot of the load status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Reload reads the file again. On error the current configuration is kept.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	m.mu.Lock()
	first := m.config.Load() == nil
	m.config.Store(cfg)
	m.status = Status{
		Path:        m.path,
		Checksum:    hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now(),
		ReloadCount: m.status.ReloadCount + 1,
	}
	listeners := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()

	if !first {
		m.logger.Info("configuration reloaded", "path", m.path)
		for _, fn := range listeners {
			fn(cfg)
		}
	}
	return nil
}

// Watch reloads the configuration when the file is written, debouncing
// bursts of events. It stops when ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("failed to reload config, keeping current", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
