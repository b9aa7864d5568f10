package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/engine"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/query"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/storage/rediscache"
	"github.com/ashita-ai/kensa/internal/storage/sqlitestore"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// recordStore is what both store backends provide.
type recordStore interface {
	query.ExecutionRepository
	query.CacheRepository
	server.Store
	io.Closer
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("KENSA_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kensa starting", "version", version, "port", cfg.Port,
		"store", cfg.StoreBackend(), "cache", cfg.CacheBackend, "engine", cfg.Engine)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Results live in the record store unless Redis is configured.
	var (
		cache     query.CacheRepository = store
		cachePing server.Pinger
	)
	if cfg.CacheBackend == config.CacheRedis {
		rc, err := rediscache.Open(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rc.Close() }()
		cache, cachePing = rc, rc
		logger.Info("result cache: redis")
	}

	eng, closeEngine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	var ipLimiter *ratelimit.MemoryLimiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(store, ratelimit.Config{
			Limit:            cfg.RateLimit,
			Window:           cfg.RateLimitWindow,
			WarningThreshold: cfg.RateLimitWarning,
		}, logger)
		ipLimiter = ratelimit.NewMemoryLimiter(cfg.HTTPRPS, cfg.HTTPBurst)
		defer func() { _ = ipLimiter.Close() }()
		logger.Info("rate limiting: enabled",
			"limit", cfg.RateLimit, "window", cfg.RateLimitWindow,
			"ip_rps", cfg.HTTPRPS, "ip_burst", cfg.HTTPBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	svc := query.New(store, cache, eng, limiter, logger,
		query.WithDefaultTimeout(cfg.DefaultTimeout),
		query.WithDefaultCacheTTL(cfg.DefaultCacheTTL),
		query.WithCoalescing(cfg.CoalesceInflight),
	)

	mcpSrv := mcp.New(svc, logger, version)

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Store:               store,
		Logger:              logger,
		Cache:               cachePing,
		IPLimiter:           ipLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// In-flight queries finish and record their outcome before the stores close.
	slog.Info("kensa shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.WriteTimeout+5*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("kensa stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (recordStore, error) {
	if cfg.StoreBackend() == config.BackendPostgres {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	}

	st, err := sqlitestore.Open(ctx, cfg.SQLitePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return st, nil
}

func openEngine(ctx context.Context, cfg config.Config) (query.Engine, func(), error) {
	if cfg.Engine == config.EngineDuckDB {
		d, err := engine.OpenDuckDB(ctx, cfg.DuckDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("duckdb: %w", err)
		}
		return d, func() { _ = d.Close() }, nil
	}
	return engine.NewHTTPClient(cfg.EngineURL, cfg.EngineAPIKey), func() {}, nil
}
