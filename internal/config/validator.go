package config

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the config for:
//   - Storage driver and DSN
//   - Sealing bounds and lock timeouts
//   - Record-type policies (mode, threshold, rule expressions)
//   - Settlement and publisher references
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Sprintf("storage: dsn is required for driver %s", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log: unknown format %q", cfg.Log.Format))
	}

	if cfg.Ledger.SealMaxEvents < -1 {
		errs = append(errs, "ledger: seal_max_events must be positive, or -1 to disable")
	}
	if maxEvents, maxAge := cfg.Ledger.SealBounds(); maxEvents == 0 && maxAge == 0 {
		errs = append(errs, "ledger: seal_max_events and seal_max_age cannot both be disabled")
	}
	if cfg.Ledger.LockTimeout < 0 || cfg.Workflow.LockTimeout < 0 {
		errs = append(errs, "lock_timeout must not be negative")
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}

	if len(cfg.RecordTypes) == 0 {
		errs = append(errs, "record_types must not be empty")
	}
	names := make([]string, 0, len(cfg.RecordTypes))
	for name := range cfg.RecordTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[string]string, len(names))
	for _, name := range names {
		key := strings.ToUpper(strings.TrimSpace(name))
		if key == "" {
			errs = append(errs, "record_types: type name is required")
			continue
		}
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Sprintf("record_types: duplicate type %q (as %q and %q)", key, prev, name))
			continue
		}
		seen[key] = name
		p := cfg.RecordTypes[name]
		if err := p.Compile(); err != nil {
			errs = append(errs, fmt.Sprintf("record_types.%s: %s", name, err))
		}
	}

	settled := make(map[string]bool, len(cfg.Settlement.Types))
	for _, typ := range cfg.Settlement.Types {
		key := strings.ToUpper(strings.TrimSpace(typ))
		if _, ok := seen[key]; !ok {
			errs = append(errs, fmt.Sprintf("settlement: unknown record type %q", typ))
		}
		if settled[key] {
			errs = append(errs, fmt.Sprintf("settlement: record type %q listed twice", typ))
		}
		settled[key] = true
	}
	if len(cfg.Publisher.Brokers) > 0 && strings.TrimSpace(cfg.Publisher.Topic) == "" {
		errs = append(errs, "publisher: topic is required when brokers are set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
