package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/machinenativeops/axm/pkg/api"
	"github.com/machinenativeops/axm/pkg/config"
	"github.com/machinenativeops/axm/pkg/envelope"
	"github.com/machinenativeops/axm/pkg/lifecycle"
	"github.com/machinenativeops/axm/pkg/observability"
	"github.com/machinenativeops/axm/pkg/router"
	"github.com/machinenativeops/axm/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	log.Println("[axm] orchestrator starting")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if code := os.Getenv("AXM_PROFILE"); code != "" {
		dir := os.Getenv("AXM_PROFILES_DIR")
		if dir == "" {
			dir = "profiles"
		}
		profile, err := config.LoadProfile(dir, code)
		if err != nil {
			log.Fatalf("profile: %v", err)
		}
		profile.Apply(cfg)
		log.Printf("[axm] profile: %s", profile.Code)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	validator, err := envelope.NewValidator(cfg.SchemaVersions)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}
	validator = validator.WithAllowedAgents(cfg.AllowedAgents)
	log.Println("[axm] validator: ready")

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	if cfg.OTLPEnabled {
		log.Printf("[axm] telemetry: exporting to %s", cfg.OTLPEndpoint)
	}

	machine := lifecycle.NewMachine(cfg.MaxRetries)
	rt := router.NewRouter(st, machine).
		WithLockTimeout(cfg.LockTimeout).
		WithObserver(provider).
		WithLogger(logger)
	log.Println("[axm] router: ready")

	server := api.NewServer(st, validator, rt).
		WithProvider(provider).
		WithLogger(logger)

	if cfg.RedisAddr != "" {
		limiter := api.NewRedisLimiterStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		server = server.WithBackpressure(limiter, api.BackpressurePolicy{RPM: 600, Burst: 30})
		log.Println("[axm] backpressure: redis")
	}

	var jwtValidator *api.JWTValidator
	if cfg.JWTSecret != "" {
		jwtValidator = api.NewJWTValidator(cfg.JWTSecret)
		log.Println("[axm] auth: bearer tokens required")
	}

	rateLimiter := api.NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst)
	srv := api.NewHTTPServer(":"+cfg.Port, server.Handler(rateLimiter, jwtValidator))

	go func() {
		log.Printf("[axm] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[axm] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[axm] shutdown: %v", err)
	}
}

// openStore selects the persistence backend: Postgres when DATABASE_URL is
// set, embedded SQLite when SQLITE_PATH is set, in-memory otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		st := store.NewSQLStore(db)
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		log.Println("[axm] store: postgres")
		return st, nil
	case cfg.SQLitePath != "":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		st := store.NewSQLStore(db)
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		log.Printf("[axm] store: sqlite (%s)", cfg.SQLitePath)
		return st, nil
	default:
		log.Println("[axm] store: in-memory (state is lost on restart)")
		return store.NewMemoryStore(), nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
