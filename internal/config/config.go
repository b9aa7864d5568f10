// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store and cache backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	CacheDatabase = "database"
	CacheRedis    = "redis"

	EngineHTTP   = "http"
	EngineDuckDB = "duckdb"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Record store. postgres:// URLs use Postgres; sqlite:// URLs and bare
	// paths use the embedded store.
	DatabaseURL string

	// Result cache. "database" keeps results in the record store.
	CacheBackend string
	RedisURL     string

	// Engine settings.
	Engine       string // "http" or "duckdb"
	EngineURL    string
	EngineAPIKey string
	DuckDBPath   string // Empty for in-memory.

	// Workspace quota.
	RateLimitEnabled bool
	RateLimit        int
	RateLimitWindow  time.Duration
	RateLimitWarning float64

	// Per-IP request guard.
	HTTPRPS   float64
	HTTPBurst int

	// Query defaults.
	DefaultTimeout   time.Duration
	DefaultCacheTTL  time.Duration
	CoalesceInflight bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("KENSA_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KENSA_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KENSA_WRITE_TIMEOUT", 90*time.Second)
	collect(err)

	cfg.DatabaseURL = envStr("DATABASE_URL", "sqlite://kensa.db")
	cfg.CacheBackend = envStr("KENSA_CACHE_BACKEND", CacheDatabase)
	cfg.RedisURL = envStr("REDIS_URL", "")

	cfg.Engine = envStr("KENSA_ENGINE", EngineHTTP)
	cfg.EngineURL = envStr("KENSA_ENGINE_URL", "http://localhost:8123")
	cfg.EngineAPIKey = envStr("KENSA_ENGINE_API_KEY", "")
	cfg.DuckDBPath = envStr("KENSA_DUCKDB_PATH", "")

	cfg.RateLimitEnabled, err = envBool("KENSA_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimit, err = envInt("KENSA_RATE_LIMIT", 2400)
	collect(err)
	cfg.RateLimitWindow, err = envDuration("KENSA_RATE_LIMIT_WINDOW", time.Hour)
	collect(err)
	cfg.RateLimitWarning, err = envFloat("KENSA_RATE_LIMIT_WARNING", 0.8)
	collect(err)

	cfg.HTTPRPS, err = envFloat("KENSA_HTTP_RPS", 50)
	collect(err)
	cfg.HTTPBurst, err = envInt("KENSA_HTTP_BURST", 100)
	collect(err)

	cfg.DefaultTimeout, err = envDuration("KENSA_DEFAULT_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.DefaultCacheTTL, err = envDuration("KENSA_DEFAULT_CACHE_TTL", time.Hour)
	collect(err)
	cfg.CoalesceInflight, err = envBool("KENSA_COALESCE_INFLIGHT", false)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("KENSA_OTEL_INSECURE", false)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "kensa")

	cfg.LogLevel = envStr("KENSA_LOG_LEVEL", "info")
	bodyBytes, err := envInt("KENSA_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(bodyBytes)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	switch c.CacheBackend {
	case CacheDatabase:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required when KENSA_CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: KENSA_CACHE_BACKEND must be %q or %q, got %q", CacheDatabase, CacheRedis, c.CacheBackend)
	}
	switch c.Engine {
	case EngineHTTP:
		if c.EngineURL == "" {
			return fmt.Errorf("config: KENSA_ENGINE_URL is required when KENSA_ENGINE=http")
		}
	case EngineDuckDB:
	default:
		return fmt.Errorf("config: KENSA_ENGINE must be %q or %q, got %q", EngineHTTP, EngineDuckDB, c.Engine)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("config: KENSA_RATE_LIMIT must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: KENSA_RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimitWarning <= 0 || c.RateLimitWarning > 1 {
		return fmt.Errorf("config: KENSA_RATE_LIMIT_WARNING must be in (0, 1]")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("config: KENSA_DEFAULT_TIMEOUT must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KENSA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// StoreBackend reports which record store DatabaseURL selects.
func (c Config) StoreBackend() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return BackendPostgres
	}
	return BackendSQLite
}

// SQLitePath returns the database file path for the embedded store.
func (c Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
