package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/httpserver"
	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/adapter/postgres"
	"github.com/illuminautical/spyglass/internal/adapter/redis"
	"github.com/illuminautical/spyglass/internal/adapter/twitch"
	"github.com/illuminautical/spyglass/internal/app"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/config"
	"github.com/illuminautical/spyglass/internal/platform/correlation"
	"github.com/illuminautical/spyglass/internal/platform/crypto"
	"github.com/illuminautical/spyglass/internal/platform/logging"
	"github.com/illuminautical/spyglass/internal/platform/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

// Process exit codes.
const (
	exitInfra        = 1
	exitInitialToken = 2
	exitReconcile    = 3
)

const (
	startupTimeout     = 30 * time.Second
	reconcileLeaseKey  = "spyglass:reconcile:leader"
	reconcileLeaseSpan = 2
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Printf("Failed to load config: %v", err)
		os.Exit(exitInfra)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDBMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitInfra)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		pool.Close()
		os.Exit(exitInfra)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(exitInfra)
	}
	return client
}

func setupTwitch(ctx context.Context, cfg *config.Config, m *metrics.EventSubMetrics) *twitch.Client {
	creds := domain.ClientCredentials{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}

	tokens, err := twitch.NewTokenManager(ctx, creds,
		twitch.WithTokenURL(cfg.TwitchTokenURL),
		twitch.WithRefreshTimeout(cfg.TokenRefreshTimeout),
		twitch.WithTokenMetrics(m),
	)
	if err != nil {
		slog.Error("Failed to obtain app access token", "error", err)
		os.Exit(exitInitialToken)
	}

	return twitch.NewClient(tokens, creds,
		twitch.WithAPIURL(cfg.TwitchAPIURL),
		twitch.WithCallbackURL(cfg.WebhookCallbackURL),
		twitch.WithListRetry(retry.FixedDelay(cfg.ListRetryAttempts, cfg.ListRetryDelay)),
		twitch.WithClientMetrics(m),
	)
}

func setupSecretCrypto(cfg *config.Config) crypto.Service {
	if cfg.SecretEncryptionKey == "" {
		slog.Warn("SECRET_ENCRYPTION_KEY not set, subscription secrets are stored unencrypted")
		return crypto.NoopService{}
	}
	svc, err := crypto.NewAesGcmService(cfg.SecretEncryptionKey)
	if err != nil {
		slog.Error("Failed to create secret encryption", "error", err)
		os.Exit(exitInfra)
	}
	return svc
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, reconciler *app.Reconciler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if reconciler != nil {
			reconciler.Stop()
		}

		close(done)
	}()

	return done
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	registry := metrics.NewRegistry()
	eventSubMetrics := metrics.NewEventSubMetrics(registry)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool := setupDB(startupCtx, cfg, registry)
	defer pool.Close()

	redisClient := setupRedis(startupCtx, cfg, registry)
	defer func() { _ = redisClient.Close() }()

	api := setupTwitch(startupCtx, cfg, eventSubMetrics)

	repo := postgres.NewSubscriptionRepo(pool, postgres.WithSecretCrypto(setupSecretCrypto(cfg)))
	sender := redis.NewEventSender(redisClient, cfg.EventChannelPrefix, redis.WithSenderMetrics(eventSubMetrics))
	webhook := twitch.NewWebhookHandler(repo, twitch.NewVerifier(repo), sender, twitch.WithWebhookMetrics(eventSubMetrics))
	service := app.NewSubscriptionService(api, repo, app.WithOrphanGrace(cfg.ListRetryDelay))

	// The list retry can outlast the startup deadline, so reconciliation gets its own context.
	reconcileCtx := correlation.WithID(context.Background(), correlation.NewID())
	if err := service.Reconcile(reconcileCtx); err != nil {
		slog.ErrorContext(reconcileCtx, "Startup reconciliation failed", "error", err)
		return exitReconcile
	}

	var reconciler *app.Reconciler
	if cfg.ReconcileInterval > 0 {
		leader := redis.NewLeaderElector(redisClient, reconcileLeaseKey, instanceID(), reconcileLeaseSpan*cfg.ReconcileInterval)
		reconciler = app.NewReconciler(service, cfg.ReconcileInterval, app.WithLeader(leader))
		go reconciler.Run(context.Background())
	}

	healthChecks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}
	srv := httpserver.NewServer(cfg, webhook, registry, healthChecks)

	done := runGracefulShutdown(cfg, srv, reconciler)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		return exitInfra
	}

	<-done
	slog.Info("Application stopped")
	return 0
}
