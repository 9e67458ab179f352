package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchTokenURL     string `env:"TWITCH_TOKEN_URL" default:"https://id.twitch.tv/oauth2/token"`
	TwitchAPIURL       string `env:"TWITCH_API_URL" default:"https://api.twitch.tv/helix"`
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`

	EventChannelPrefix string `env:"EVENT_CHANNEL_PREFIX" default:"spyglass"`

	// Hex-encoded 32-byte key; subscription secrets are stored as plaintext when empty.
	SecretEncryptionKey string `env:"SECRET_ENCRYPTION_KEY"`

	WebhookRateLimit float64 `env:"WEBHOOK_RATE_LIMIT" default:"50"`
	WebhookRateBurst int     `env:"WEBHOOK_RATE_BURST" default:"100"`

	ListRetryDelay      time.Duration `env:"LIST_RETRY_DELAY" default:"30s"`
	ListRetryAttempts   int           `env:"LIST_RETRY_ATTEMPTS" default:"20"`
	TokenRefreshTimeout time.Duration `env:"TOKEN_REFRESH_TIMEOUT" default:"15s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" default:"10m"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"WEBHOOK_CALLBACK_URL", cfg.WebhookCallbackURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	callback, err := url.Parse(cfg.WebhookCallbackURL)
	if err != nil || callback.Host == "" {
		return errors.New("WEBHOOK_CALLBACK_URL must be an absolute URL")
	}
	if callback.Scheme != "https" {
		return errors.New("WEBHOOK_CALLBACK_URL must use https")
	}

	if cfg.ListRetryDelay <= 0 {
		return errors.New("LIST_RETRY_DELAY must be positive")
	}
	if cfg.ListRetryAttempts < 0 {
		return errors.New("LIST_RETRY_ATTEMPTS must not be negative")
	}
	if cfg.TokenRefreshTimeout <= 0 {
		return errors.New("TOKEN_REFRESH_TIMEOUT must be positive")
	}
	if cfg.SecretEncryptionKey != "" {
		if key, err := hex.DecodeString(cfg.SecretEncryptionKey); err != nil || len(key) != 32 {
			return errors.New("SECRET_ENCRYPTION_KEY must be 64 hex characters")
		}
	}
	if cfg.WebhookRateLimit <= 0 || cfg.WebhookRateBurst <= 0 {
		return errors.New("WEBHOOK_RATE_LIMIT and WEBHOOK_RATE_BURST must be positive")
	}
	if cfg.ReconcileInterval < 0 {
		return errors.New("RECONCILE_INTERVAL must not be negative")
	}

	if cfg.AppEnv == "production" {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
