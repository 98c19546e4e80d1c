package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guillermoBallester/querygate/internal/scheduler"
)

type Config struct {
	// Policy.
	CatalogFile  string // path to the catalog YAML; required
	MaxScanBytes int64  // scan budget ceiling; 0 disables the budget check

	// Database connection. Optional: without it only validation is served.
	DatabaseURL  string
	MaxRows      int
	QueryTimeout time.Duration

	// Cron schedule for re-reading live table volumes; empty reads them
	// only at startup and on catalog reload.
	VolumeRefreshSchedule string

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Connection pool.
	PoolMaxConns        int32         // default: 5
	PoolMinConns        int32         // default: 1
	PoolMaxConnLifetime time.Duration // default: 30m

	// Observability.
	OTelEnabled     bool    // enable OpenTelemetry tracing and metrics
	OTelSampleRatio float64 // fraction of root traces sampled (default: 1)
	AuditLog        string

	// Decision records are also published to Kafka when brokers are set.
	AuditKafkaBrokers []string
	AuditKafkaTopic   string

	// CLI-only fields (not settable via env vars).
	DryRun      bool
	ExplainOnly bool
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	CatalogFile     *string
	MaxScanBytes    *int64
	DatabaseURL     *string
	LogLevel        *string
	MaxRows         *int
	QueryTimeout    *time.Duration
	Transport       *string
	HTTPAddr        *string
	HTTPBearerToken *string
	AuditLog        *string
	OTelEnabled     bool
	DryRun          bool
	ExplainOnly     bool

	// Connection pool overrides.
	PoolMaxConns        *int32
	PoolMinConns        *int32
	PoolMaxConnLifetime *time.Duration
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HasDatabase reports whether admitted queries can be executed.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != "" && !c.DryRun
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		MaxRows:             100,
		QueryTimeout:        10 * time.Second,
		LogLevel:            slog.LevelInfo,
		Transport:           "stdio",
		HTTPAddr:            ":8080",
		PoolMaxConns:        5,
		PoolMinConns:        1,
		PoolMaxConnLifetime: 30 * time.Minute,
		OTelSampleRatio:     1,
	}
}

// loadEnvVars reads all supported environment variables into cfg. Unset or
// empty variables keep the default.
func loadEnvVars(cfg *Config) error {
	cfg.CatalogFile = os.Getenv("CATALOG_FILE")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")
	cfg.AuditLog = os.Getenv("AUDIT_LOG")
	cfg.AuditKafkaBrokers = splitList(os.Getenv("AUDIT_KAFKA_BROKERS"))
	cfg.AuditKafkaTopic = os.Getenv("AUDIT_KAFKA_TOPIC")
	cfg.VolumeRefreshSchedule = strings.TrimSpace(os.Getenv("VOLUME_REFRESH_SCHEDULE"))
	envString("TRANSPORT", &cfg.Transport)
	envString("HTTP_ADDR", &cfg.HTTPAddr)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	maxRows := int64(cfg.MaxRows)
	maxConns, minConns := int64(cfg.PoolMaxConns), int64(cfg.PoolMinConns)

	err := errors.Join(
		envInt("MAX_SCAN_BYTES", &cfg.MaxScanBytes, 0, math.MaxInt64),
		envInt("MAX_ROWS", &maxRows, 1, math.MaxInt32),
		envDuration("QUERY_TIMEOUT", &cfg.QueryTimeout),
		envBool("OTEL_ENABLED", &cfg.OTelEnabled),
		envRatio("OTEL_SAMPLE_RATIO", &cfg.OTelSampleRatio),
		envInt("POOL_MAX_CONNS", &maxConns, 1, math.MaxInt32),
		envInt("POOL_MIN_CONNS", &minConns, 0, math.MaxInt32),
		envDuration("POOL_MAX_CONN_LIFETIME", &cfg.PoolMaxConnLifetime),
	)
	cfg.MaxRows = int(maxRows)
	cfg.PoolMaxConns = int32(maxConns)
	cfg.PoolMinConns = int32(minConns)
	return err
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int64, lo, hi int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < lo || n > hi {
		if lo > 0 {
			return fmt.Errorf("invalid %s value %q: must be a positive integer", key, v)
		}
		return fmt.Errorf("invalid %s value %q: must be a non-negative integer", key, v)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func envRatio(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return fmt.Errorf("invalid %s value %q: must be between 0 and 1", key, v)
	}
	*dst = f
	return nil
}

// applyOverrides layers CLI flag values over the env-loaded config. Numeric
// flags are range-checked here because flag parsing accepts any integer.
func applyOverrides(cfg *Config, o Overrides) error {
	switch {
	case o.MaxScanBytes != nil && *o.MaxScanBytes < 0:
		return fmt.Errorf("invalid --max-scan-bytes value %d: must be a non-negative integer", *o.MaxScanBytes)
	case o.MaxRows != nil && *o.MaxRows <= 0:
		return fmt.Errorf("invalid --max-rows value %d: must be a positive integer", *o.MaxRows)
	case o.PoolMaxConns != nil && *o.PoolMaxConns <= 0:
		return fmt.Errorf("invalid --pool-max-conns value %d: must be a positive integer", *o.PoolMaxConns)
	case o.PoolMinConns != nil && *o.PoolMinConns < 0:
		return fmt.Errorf("invalid --pool-min-conns value %d: must be a non-negative integer", *o.PoolMinConns)
	}

	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	override(&cfg.CatalogFile, o.CatalogFile)
	override(&cfg.MaxScanBytes, o.MaxScanBytes)
	override(&cfg.DatabaseURL, o.DatabaseURL)
	override(&cfg.MaxRows, o.MaxRows)
	override(&cfg.QueryTimeout, o.QueryTimeout)
	override(&cfg.Transport, o.Transport)
	override(&cfg.HTTPAddr, o.HTTPAddr)
	override(&cfg.HTTPBearerToken, o.HTTPBearerToken)
	override(&cfg.AuditLog, o.AuditLog)
	override(&cfg.PoolMaxConns, o.PoolMaxConns)
	override(&cfg.PoolMinConns, o.PoolMinConns)
	override(&cfg.PoolMaxConnLifetime, o.PoolMaxConnLifetime)

	cfg.DryRun = o.DryRun
	cfg.ExplainOnly = o.ExplainOnly
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled
	return nil
}

func override[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config) error {
	if cfg.CatalogFile == "" {
		return fmt.Errorf("CATALOG_FILE is required (set via env var or --catalog flag)")
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", cfg.QueryTimeout)
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	if cfg.VolumeRefreshSchedule != "" {
		if err := scheduler.ValidateSpec(cfg.VolumeRefreshSchedule); err != nil {
			return fmt.Errorf("VOLUME_REFRESH_SCHEDULE: %w", err)
		}
	}

	if cfg.ExplainOnly && cfg.DatabaseURL == "" {
		return fmt.Errorf("--explain-only needs DATABASE_URL")
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
