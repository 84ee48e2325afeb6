package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/felipepmaragno/ai-router/internal/api"
	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/cache"
	"github.com/felipepmaragno/ai-router/internal/catalog"
	"github.com/felipepmaragno/ai-router/internal/circuitbreaker"
	"github.com/felipepmaragno/ai-router/internal/config"
	"github.com/felipepmaragno/ai-router/internal/crypto"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/gateway"
	"github.com/felipepmaragno/ai-router/internal/httputil"
	"github.com/felipepmaragno/ai-router/internal/notifications"
	"github.com/felipepmaragno/ai-router/internal/queue"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/felipepmaragno/ai-router/internal/secrets"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel, cfg.LogFile)

	slog.Info("starting AI Router", "addr", cfg.Addr, "version", api.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ai router stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Init(ctx, "ai-router", api.Version, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	cipher, err := newCipher(ctx, cfg)
	if err != nil {
		return err
	}

	var options []gateway.Option
	var checkers []api.HealthChecker

	var db *sql.DB
	switch {
	case cfg.DatabaseURL != "":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		store := repository.NewPostgresKeyStore(db)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		options = append(options,
			gateway.WithKeyStore(store),
			gateway.WithUsageLog(repository.NewPostgresUsageLog(db)),
		)
		checkers = append(checkers, api.NewPingHealthChecker("postgres", store))
		slog.Info("using postgres key store")
	case cfg.SQLitePath != "":
		store, err := repository.NewSQLiteKeyStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()

		options = append(options, gateway.WithKeyStore(store))
		checkers = append(checkers, api.NewPingHealthChecker("sqlite", store))
		slog.Info("using sqlite key store", "path", cfg.SQLitePath)
	default:
		slog.Warn("no database configured, keys are kept in memory only")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opt)
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return err
		}

		options = append(options,
			gateway.WithBucketStore(ratelimit.NewRedisBucketStoreWithClient(client)),
			gateway.WithSignalCache(cache.NewRedisCacheWithClient(client)),
			gateway.WithDeduplicator(events.NewRedisDeduplicatorWithClient(client, 2*time.Hour)),
		)
		if cfg.UseDistributedCircuitBreaker {
			options = append(options, gateway.WithBreakers(
				circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), circuitbreaker.WithRedisClient(client)),
			))
			slog.Info("using distributed circuit breakers")
		}
		checkers = append(checkers, api.NewRedisHealthChecker(client))
		slog.Info("using redis for rate limits, signal cache and event dedup")
	} else {
		slog.Info("using in-memory rate limits and signal cache")
	}

	if cfg.SNSTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			return err
		}
		options = append(options, gateway.WithNotifier(notifier))
		slog.Info("publishing key events to sns", "topic", cfg.SNSTopicARN)
	}

	if cfg.AuditQueueURL != "" {
		audit, err := queue.NewAuditQueue(ctx, cfg.AWSRegion, cfg.AuditQueueURL)
		if err != nil {
			return err
		}
		options = append(options, gateway.WithAuditQueue(audit))
		slog.Info("shipping routing decisions to sqs", "queue", cfg.AuditQueueURL)
	}

	if cfg.MetricsSourceURL != "" {
		client := httputil.NewClient(httputil.DefaultConfig())
		options = append(options, gateway.WithMetricsSource(catalog.NewHTTPSource(cfg.MetricsSourceURL, client)))
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}

	svc, err := gateway.New(cipher, settings, gateway.OptionsFromConfig(cfg), options...)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer drainCancel()
		if err := svc.Shutdown(drainCtx); err != nil {
			slog.Warn("background jobs did not stop in time", "error", err)
		}
	}()

	if err := svc.Load(ctx); err != nil {
		return err
	}
	svc.Start(ctx)

	rbac, err := newRBAC(ctx, cfg, db)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.HandlerConfig{
		Service:  svc,
		Auth:     rbac,
		Checkers: checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	return nil
}

func newCipher(ctx context.Context, cfg *config.Config) (*crypto.Cipher, error) {
	var store secrets.Store
	if cfg.EncryptionKey == "" && cfg.MasterKeySecret != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		store = sm
	}

	masterKey, err := secrets.MasterKey(ctx, cfg.EncryptionKey, store, cfg.MasterKeySecret)
	if err != nil {
		return nil, err
	}
	return crypto.NewCipher(masterKey)
}

// newRBAC returns nil when admin auth is disabled, which leaves /admin open.
func newRBAC(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.RBACMiddleware, error) {
	if !cfg.AdminAuthEnabled {
		slog.Warn("admin authentication disabled")
		return nil, nil
	}

	var repo auth.AdminUserRepository
	if db != nil {
		pg := auth.NewPostgresAdminUserRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		repo = pg
	} else {
		repo = auth.NewInMemoryAdminUserRepository()
	}

	if cfg.AdminPassword != "" {
		if err := auth.EnsureAdmin(ctx, repo, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("ADMIN_PASSWORD not set, no admin account bootstrapped")
	}

	return auth.NewRBACMiddleware(auth.NewAuthenticator(repo)), nil
}

func setupLogger(level, file string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
