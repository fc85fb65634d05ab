// Package config loads and validates process configuration from the
// environment. A .env file is honored in development but never
// overrides real environment variables.
//
// Validation is all-or-nothing: every violation is collected and the
// process refuses to start with a single multi-line error listing all
// of them, so operators fix the whole set in one pass.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults shared by both binaries.
const (
	DefaultExchange         = "arrakis.events"
	DefaultInteractionQueue = "arrakis.interactions"
	DefaultEventQueue       = "arrakis.events.guild"
)

var (
	validEnvs      = []string{"development", "staging", "production", "test"}
	validLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}
)

// ValidationError aggregates every configuration violation found
// during a load. Error renders one violation per line.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration (%d violations):", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n  - ")
		b.WriteString(v)
	}
	return b.String()
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// =============================================================================
// Ingestor
// =============================================================================

// IngestorConfig holds everything the gateway listener needs.
type IngestorConfig struct {
	BotToken   string
	BrokerURL  string
	ShardID    int
	ShardCount int

	ExchangeName     string
	InteractionQueue string
	EventQueue       string

	Port              int
	MemoryThresholdMB int

	Env      string
	LogLevel string

	// Optional OTLP collector endpoint; empty disables export.
	OTLPEndpoint string
}

// LoadIngestor reads the Ingestor configuration from the environment.
func LoadIngestor() (*IngestorConfig, error) {
	_ = godotenv.Load()

	verr := &ValidationError{}
	cfg := &IngestorConfig{
		BotToken:          requireString(verr, "DISCORD_BOT_TOKEN"),
		BrokerURL:         requireURL(verr, "RABBITMQ_URL", "amqp", "amqps"),
		ShardID:           intOr(verr, "SHARD_ID", 0),
		ShardCount:        intOr(verr, "SHARD_COUNT", 1),
		ExchangeName:      stringOr("EXCHANGE_NAME", DefaultExchange),
		InteractionQueue:  stringOr("INTERACTION_QUEUE", DefaultInteractionQueue),
		EventQueue:        stringOr("EVENT_QUEUE", DefaultEventQueue),
		Port:              intOr(verr, "PORT", 8080),
		MemoryThresholdMB: intOr(verr, "MEMORY_THRESHOLD_MB", 75),
		Env:               oneOf(verr, "NODE_ENV", "development", validEnvs),
		LogLevel:          oneOf(verr, "LOG_LEVEL", "info", validLogLevels),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.ShardID < 0 {
		verr.add("SHARD_ID: must be >= 0, got %d", cfg.ShardID)
	}
	if cfg.ShardCount < 1 {
		verr.add("SHARD_COUNT: must be >= 1, got %d", cfg.ShardCount)
	} else if cfg.ShardID >= 0 && cfg.ShardID >= cfg.ShardCount {
		verr.add("SHARD_ID: must be < SHARD_COUNT (%d >= %d)", cfg.ShardID, cfg.ShardCount)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		verr.add("PORT: must be in 1..65535, got %d", cfg.Port)
	}
	if cfg.MemoryThresholdMB < 1 {
		verr.add("MEMORY_THRESHOLD_MB: must be > 0, got %d", cfg.MemoryThresholdMB)
	}

	return cfg, verr.orNil()
}

// =============================================================================
// Worker
// =============================================================================

// WorkerConfig holds everything the consumer pool needs. The worker
// never opens a gateway session; the bot token is for REST only.
type WorkerConfig struct {
	BrokerURL     string
	RedisURL      string
	DatabaseURL   string // optional; handlers without SQL run with no DB
	ApplicationID string
	BotToken      string

	ExchangeName     string
	InteractionQueue string
	EventQueue       string

	Prefetch            int
	MaxRetries          int
	DrainTimeoutSec     int
	IdempotencyTTLHours int

	// 0 disables the worker's health/metrics listener.
	MetricsPort int

	Env      string
	LogLevel string

	OTLPEndpoint string

	// Optional YAML file overriding the built-in tier table.
	TierFile string
}

// LoadWorker reads the Worker configuration from the environment.
func LoadWorker() (*WorkerConfig, error) {
	_ = godotenv.Load()

	verr := &ValidationError{}
	cfg := &WorkerConfig{
		BrokerURL:           requireURL(verr, "RABBITMQ_URL", "amqp", "amqps"),
		RedisURL:            requireURL(verr, "REDIS_URL", "redis", "rediss"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ApplicationID:       requireString(verr, "DISCORD_APPLICATION_ID"),
		BotToken:            requireString(verr, "DISCORD_BOT_TOKEN"),
		ExchangeName:        stringOr("EXCHANGE_NAME", DefaultExchange),
		InteractionQueue:    stringOr("INTERACTION_QUEUE", DefaultInteractionQueue),
		EventQueue:          stringOr("EVENT_QUEUE", DefaultEventQueue),
		Prefetch:            intOr(verr, "PREFETCH", 10),
		MaxRetries:          intOr(verr, "MAX_RETRIES", 5),
		DrainTimeoutSec:     intOr(verr, "DRAIN_TIMEOUT_SEC", 30),
		IdempotencyTTLHours: intOr(verr, "IDEMPOTENCY_TTL_HOURS", 192),
		MetricsPort:         intOr(verr, "METRICS_PORT", 0),
		Env:                 oneOf(verr, "NODE_ENV", "development", validEnvs),
		LogLevel:            oneOf(verr, "LOG_LEVEL", "info", validLogLevels),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TierFile:            os.Getenv("TIER_FILE"),
	}

	if cfg.Prefetch < 1 {
		verr.add("PREFETCH: must be >= 1, got %d", cfg.Prefetch)
	}
	if cfg.MaxRetries < 0 {
		verr.add("MAX_RETRIES: must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.DrainTimeoutSec < 1 {
		verr.add("DRAIN_TIMEOUT_SEC: must be >= 1, got %d", cfg.DrainTimeoutSec)
	}
	if cfg.IdempotencyTTLHours < 1 {
		verr.add("IDEMPOTENCY_TTL_HOURS: must be >= 1, got %d", cfg.IdempotencyTTLHours)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		verr.add("METRICS_PORT: must be in 0..65535, got %d", cfg.MetricsPort)
	}

	return cfg, verr.orNil()
}

// =============================================================================
// Env helpers
// =============================================================================

func requireString(verr *ValidationError, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		verr.add("%s: required", key)
	}
	return v
}

func requireURL(verr *ValidationError, key string, schemes ...string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		verr.add("%s: required", key)
		return v
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		verr.add("%s: not a valid URL", key)
		return v
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return v
		}
	}
	verr.add("%s: scheme must be one of %s", key, strings.Join(schemes, ", "))
	return v
}

func stringOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intOr(verr *ValidationError, key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.add("%s: not an integer: %q", key, raw)
		return def
	}
	return n
}

func oneOf(verr *ValidationError, key, def string, allowed []string) string {
	v := stringOr(key, def)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	verr.add("%s: must be one of %s, got %q", key, strings.Join(allowed, ", "), v)
	return v
}
