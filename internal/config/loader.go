// Package config loads the service configuration from YAML, applies
// QLEDGER_* environment overrides and watches the file for changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QLEDGER_"

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	log      *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load. An empty path
// yields the defaults plus environment overrides.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, log: logger.With("component", "config")}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file, or "" when running on defaults.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, fmt.Errorf("config watcher: no config file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors and ConfigMap mounts replace the file
	// instead of writing it in place.
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.log.Warn("hot-reload skipped, keeping previous config", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	l.log.Info("config reloaded", "record_types", len(cfg.RecordTypes))
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	var cfg Config
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays QLEDGER_* environment variables onto cfg. Unset
// variables leave the YAML value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) * 2
		if cfg.Server.RateBurst < 1 {
			cfg.Server.RateBurst = 1
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Ledger.SealMaxEvents == 0 {
		cfg.Ledger.SealMaxEvents = 10
	}
	if cfg.Ledger.SealMaxAge == 0 {
		cfg.Ledger.SealMaxAge = 10 * time.Second
	}
	if cfg.Ledger.SealInterval == 0 {
		cfg.Ledger.SealInterval = time.Second
	}
	if cfg.Ledger.LockTimeout == 0 {
		cfg.Ledger.LockTimeout = 2 * time.Second
	}
	if cfg.Workflow.LockTimeout == 0 {
		cfg.Workflow.LockTimeout = 2 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Settlement.Timeout == 0 {
		cfg.Settlement.Timeout = 5 * time.Second
	}
	if cfg.Publisher.Topic == "" {
		cfg.Publisher.Topic = "quorumledger.blocks"
	}
	if cfg.Publisher.Workers == 0 {
		cfg.Publisher.Workers = 4
	}
	if cfg.Publisher.QueueDepth == 0 {
		cfg.Publisher.QueueDepth = 1024
	}
	if cfg.Publisher.WriteTimeout == 0 {
		cfg.Publisher.WriteTimeout = 5 * time.Second
	}
	if len(cfg.RecordTypes) == 0 {
		cfg.RecordTypes = approval.DefaultPolicies()
	}
	if len(cfg.Settlement.Types) == 0 {
		if _, ok := cfg.Policies()[approval.TypeTransfer]; ok {
			cfg.Settlement.Types = []string{approval.TypeTransfer}
		}
	}
}
