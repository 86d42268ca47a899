// Package config provides environment-driven configuration loading for
// HyperStack's binaries: integer/CSV/byte-size parsing helpers in the
// style the grounding codebase's infrastructure/config package uses, plus a
// top-level Config struct bound via envdecode and an optional local .env
// file loaded through godotenv in development.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment is the logical deployment environment, derived from
// HYPERSTACK_ENV (preferred) or ENVIRONMENT (legacy fallback).
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config is HyperStack's full process configuration. A single instance is
// built once at startup (cmd/hyperstack/main.go) and threaded through every
// component constructor.
type Config struct {
	Environment string `env:"HYPERSTACK_ENV,default=development"`

	// C9 — upstream event source, per spec.md §6.4.
	SourceEndpoint string `env:"YELLOWSTONE_ENDPOINT,required"`
	SourceXToken   string `env:"YELLOWSTONE_X_TOKEN"`

	// Spec/AST (C1).
	SpecPath string `env:"HYPERSTACK_SPEC_PATH,default=spec.ast.json"`

	// VM (C3) defaults. DefaultMaxEntries, DefaultMaxMemoryBytes and
	// PendingMaxMemoryBytes are decoded but not passed to the VM; state-table
	// size comes from each entity's capacity policy in the AST.
	DefaultMaxEntries       int `env:"HYPERSTACK_DEFAULT_MAX_ENTRIES,default=100000"`
	DefaultMaxMemoryBytes   int64 `env:"HYPERSTACK_DEFAULT_MAX_MEMORY_BYTES,default=536870912"`
	DefaultMaxAppendLen     int `env:"HYPERSTACK_DEFAULT_MAX_APPEND_LEN,default=1000"`
	PathCacheSize           int `env:"HYPERSTACK_PATH_CACHE_SIZE,default=4096"`
	PendingMaxRetries       int `env:"HYPERSTACK_PENDING_MAX_RETRIES,default=100"`
	PendingMaxTotal         int `env:"HYPERSTACK_PENDING_MAX_TOTAL,default=50000"`
	PendingMaxPerPDA        int `env:"HYPERSTACK_PENDING_MAX_PER_PDA,default=64"`
	PendingMaxMemoryBytes   int64 `env:"HYPERSTACK_PENDING_MAX_MEMORY_BYTES,default=67108864"`
	PendingStaleness        time.Duration `env:"HYPERSTACK_PENDING_STALENESS,default=10m"`
	FlushCascadeMaxDepth    int `env:"HYPERSTACK_FLUSH_CASCADE_MAX_DEPTH,default=16"`
	UniqueCountExactSetCap  int `env:"HYPERSTACK_UNIQUE_COUNT_EXACT_CAP,default=10000"`

	// Channels between components (§5).
	EventQueueSize    int `env:"HYPERSTACK_EVENT_QUEUE_SIZE,default=4096"`
	MutationQueueSize int `env:"HYPERSTACK_MUTATION_QUEUE_SIZE,default=4096"`

	// Scheduler (C4): a Resolve binding registers its first fetch this
	// many slots after the record is created, and FetchRatePerSec/
	// FetchBurst/FetchTimeout bound the worker performing it.
	ResolveDelaySlots int           `env:"HYPERSTACK_RESOLVE_DELAY_SLOTS,default=150"`
	FetchRatePerSec   float64       `env:"HYPERSTACK_FETCH_RATE_PER_SEC,default=2"`
	FetchBurst        int           `env:"HYPERSTACK_FETCH_BURST,default=4"`
	FetchTimeout      time.Duration `env:"HYPERSTACK_FETCH_TIMEOUT,default=10s"`
	SchedulerTickInterval time.Duration `env:"HYPERSTACK_SCHEDULER_TICK_INTERVAL,default=1s"`

	// Bus (C6).
	BroadcastBufferSize int    `env:"HYPERSTACK_BROADCAST_BUFFER_SIZE,default=1000"`
	RedisURL            string `env:"HYPERSTACK_REDIS_URL,default=redis://127.0.0.1:6379/0"`

	// WebSocket gateway (C7).
	WSListenAddr       string        `env:"HYPERSTACK_WS_ADDR,default=:8787"`
	WSClientQueueSize  int           `env:"HYPERSTACK_WS_CLIENT_QUEUE_SIZE,default=512"`
	WSSnapshotGzipMin  int           `env:"HYPERSTACK_WS_SNAPSHOT_GZIP_MIN_BYTES,default=1024"`
	WSClientTimeout    time.Duration `env:"HYPERSTACK_WS_CLIENT_TIMEOUT,default=5m"`
	WSSweepInterval    time.Duration `env:"HYPERSTACK_WS_SWEEP_INTERVAL,default=30s"`

	// Admin HTTP (C8).
	AdminListenAddr   string        `env:"HYPERSTACK_ADMIN_ADDR,default=:8788"`
	HeartbeatInterval time.Duration `env:"HYPERSTACK_HEARTBEAT_INTERVAL,default=30s"`

	// Audit log (supplemented feature).
	AuditDSN string `env:"HYPERSTACK_AUDIT_DSN"`

	// Logging.
	LogLevel  string `env:"HYPERSTACK_LOG_LEVEL,default=info"`
	LogFormat string `env:"HYPERSTACK_LOG_FORMAT,default=json"`
	LogOutput string `env:"HYPERSTACK_LOG_OUTPUT,default=stdout"`
}

// Load loads a local .env (if present, ignored if missing) and decodes the
// process environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Env returns the parsed Environment, defaulting to Development for
// unrecognized values.
func (c *Config) Env() Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(c.Environment))) {
	case Development, Testing, Production:
		return Environment(strings.ToLower(c.Environment))
	default:
		return Development
	}
}

func (c *Config) IsProduction() bool { return c.Env() == Production }

// GetEnvInt parses an integer from raw, returning defaultValue if raw is
// empty or unparsable.
func GetEnvInt(raw string, defaultValue int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// ParseByteSize parses a size string like "512MB" or "1GiB" into bytes.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}
	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024}, {"gb", 1024 * 1024 * 1024}, {"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024}, {"mb", 1024 * 1024}, {"m", 1024 * 1024},
		{"kib", 1024}, {"kb", 1024}, {"k", 1024},
		{"b", 1},
	}
	const maxInt64 = int64(^uint64(0) >> 1)
	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// SplitAndTrimCSV splits a CSV string and trims each part, dropping empties.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			result = append(result, t)
		}
	}
	return result
}
