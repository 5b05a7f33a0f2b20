package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
)

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Server     ServerConf     `yaml:"server"`
	Log        LogConf        `yaml:"log"`
	Ledger     LedgerConf     `yaml:"ledger"`
	Workflow   WorkflowConf   `yaml:"workflow"`
	Storage    StorageConf    `yaml:"storage"`
	Settlement SettlementConf `yaml:"settlement"`
	Publisher  PublisherConf  `yaml:"publisher"`
	// RecordTypes maps a record type name to its quorum policy. Empty means
	// the built-in TRANSFER and CONTRACT types.
	RecordTypes map[string]approval.Policy `yaml:"record_types"`
}

// ServerConf holds HTTP listener settings.
type ServerConf struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RateLimit       float64       `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"` // requests per second per actor; 0 disables
	RateBurst       int           `yaml:"rate_burst" env:"SERVER_RATE_BURST"`
}

// LogConf selects the slog handler.
type LogConf struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // text | json
}

// SlogLevel maps Level onto a slog.Level; unknown values fall back to info.
func (l LogConf) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LedgerConf controls block sealing. A negative seal bound disables it.
type LedgerConf struct {
	SealMaxEvents int           `yaml:"seal_max_events" env:"LEDGER_SEAL_MAX_EVENTS"`
	SealMaxAge    time.Duration `yaml:"seal_max_age" env:"LEDGER_SEAL_MAX_AGE"`
	SealInterval  time.Duration `yaml:"seal_interval" env:"LEDGER_SEAL_INTERVAL"`
	LockTimeout   time.Duration `yaml:"lock_timeout" env:"LEDGER_LOCK_TIMEOUT"`
}

// SealBounds returns the event-count and age bounds with disabled ones as zero.
func (l LedgerConf) SealBounds() (maxEvents int, maxAge time.Duration) {
	if l.SealMaxEvents > 0 {
		maxEvents = l.SealMaxEvents
	}
	if l.SealMaxAge > 0 {
		maxAge = l.SealMaxAge
	}
	return maxEvents, maxAge
}

// WorkflowConf bounds how long an operation waits for a record's lock.
type WorkflowConf struct {
	LockTimeout time.Duration `yaml:"lock_timeout" env:"WORKFLOW_LOCK_TIMEOUT"`
}

// StorageConf selects the durable store.
type StorageConf struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn" env:"STORAGE_DSN"`
}

// SettlementConf configures the external funds-movement call.
type SettlementConf struct {
	URL     string        `yaml:"url" env:"SETTLEMENT_URL"`
	Timeout time.Duration `yaml:"timeout" env:"SETTLEMENT_TIMEOUT"`
	// Types lists the record types whose execution is settled.
	Types []string `yaml:"types" env:"SETTLEMENT_TYPES"`
}

// PublisherConf configures sealed-block fan-out to Kafka.
type PublisherConf struct {
	Brokers      []string      `yaml:"brokers" env:"PUBLISHER_BROKERS"`
	Topic        string        `yaml:"topic" env:"PUBLISHER_TOPIC"`
	Workers      int           `yaml:"workers" env:"PUBLISHER_WORKERS"`
	QueueDepth   int           `yaml:"queue_depth" env:"PUBLISHER_QUEUE_DEPTH"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"PUBLISHER_WRITE_TIMEOUT"`
}

// Policies returns the record-type table keyed by upper-case type name.
func (c *Config) Policies() map[string]approval.Policy {
	out := make(map[string]approval.Policy, len(c.RecordTypes))
	for name, p := range c.RecordTypes {
		out[strings.ToUpper(strings.TrimSpace(name))] = p
	}
	return out
}
