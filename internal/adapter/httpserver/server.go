// Package httpserver exposes the EventSub callback endpoint plus health, version and metrics routes.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/platform/config"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type webhookHandler interface {
	HandleEventSub(c echo.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	webhook      webhookHandler
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the routes. registry may be nil, in which case /metrics is
// not served and requests are not measured.
func NewServer(cfg *config.Config, webhook webhookHandler, registry *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		webhook:      webhook,
		registry:     registry,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}
	if registry != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(registry)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
