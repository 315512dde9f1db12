package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Loader owns the configuration file of a running process: it loads it,
// keeps the current snapshot and notifies subscribers when a changed file
// validates. An invalid file never replaces the current configuration.
type Loader struct {
	path   string
	logger *slog.Logger

	current atomic.Pointer[Config]

	mu          sync.Mutex
	digest      [sha256.Size]byte
	subscribers []func(*Config)
	watcher     *FileWatcher
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		logger: logger.With("component", "config.loader"),
	}
}

// Load reads, validates and stores the configuration without notifying
// subscribers. Environment overrides are applied.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, digest, err := l.read()
	if err != nil {
		return nil, err
	}
	l.digest = digest
	l.current.Store(cfg)
	return cfg, nil
}

// Current returns the last successfully loaded configuration, or nil.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// Path returns the watched file path.
func (l *Loader) Path() string {
	return l.path
}

// Subscribe registers fn to receive every newly loaded configuration.
// Subscribers run synchronously on the reload goroutine.
func (l *Loader) Subscribe(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Reload re-reads the file. A file whose content did not change is ignored.
// On a validation error the previous configuration stays current and the
// error is returned.
func (l *Loader) Reload() error {
	l.mu.Lock()
	cfg, digest, err := l.read()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if bytes.Equal(digest[:], l.digest[:]) && l.current.Load() != nil {
		l.mu.Unlock()
		l.logger.Debug("configuration unchanged, skipping reload")
		return nil
	}
	l.digest = digest
	l.current.Store(cfg)
	subscribers := append([]func(*Config){}, l.subscribers...)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path, "subscribers", len(subscribers))
	for _, fn := range subscribers {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the file changes. It blocks
// until ctx is cancelled or Close is called.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := NewFileWatcher(l.path, DefaultDebounceInterval, l.logger)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		watcher.Stop()
		return fmt.Errorf("loader is already watching %q", l.path)
	}
	l.watcher = watcher
	l.mu.Unlock()

	return watcher.Watch(ctx, l.Reload)
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

// read loads the file and returns the validated config and the digest of the
// raw bytes. Caller must hold l.mu.
func (l *Loader) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to read configuration file %q: %w", l.path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to load configuration file %q: %w", l.path, err)
	}

	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, sha256.Sum256(data), nil
}
