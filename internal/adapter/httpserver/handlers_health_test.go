package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func newHealthContext(path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandleStartup(t *testing.T) {
	c, rec := newHealthContext("/health/startup")
	srv := newTestServer(t, withHealthChecks(
		HealthCheck{Name: "postgres", Check: healthOK},
		HealthCheck{Name: "redis", Check: healthOK},
	))

	require.NoError(t, srv.handleStartup(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"postgres":"ok","redis":"ok"}}`, rec.Body.String())
}

func TestHandleLiveness(t *testing.T) {
	c, rec := newHealthContext("/health/live")
	srv := newTestServer(t, withHealthChecks(HealthCheck{Name: "postgres", Check: healthErr("down")}))

	require.NoError(t, srv.handleLiveness(c))

	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores dependency health")
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}

func TestHandleReadiness_NoChecks(t *testing.T) {
	c, rec := newHealthContext("/health/ready")
	srv := newTestServer(t)

	require.NoError(t, srv.handleReadiness(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHandleReadiness_Failures(t *testing.T) {
	tests := []struct {
		name     string
		postgres func(context.Context) error
		redis    func(context.Context) error
		want     string
	}{
		{
			name:     "redis down",
			postgres: healthOK,
			redis:    healthErr("connection refused"),
			want:     `{"status":"unhealthy","checks":{"postgres":"ok","redis":"connection refused"}}`,
		},
		{
			name:     "postgres down",
			postgres: healthErr("database unreachable"),
			redis:    healthOK,
			want:     `{"status":"unhealthy","checks":{"postgres":"database unreachable","redis":"ok"}}`,
		},
		{
			name:     "both down",
			postgres: healthErr("database unreachable"),
			redis:    healthErr("connection refused"),
			want:     `{"status":"unhealthy","checks":{"postgres":"database unreachable","redis":"connection refused"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newHealthContext("/health/ready")
			srv := newTestServer(t, withHealthChecks(
				HealthCheck{Name: "postgres", Check: tt.postgres},
				HealthCheck{Name: "redis", Check: tt.redis},
			))

			require.NoError(t, srv.handleReadiness(c))

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestHandleReadiness_ChecksGetDeadline(t *testing.T) {
	c, _ := newHealthContext("/health/ready")
	var hasDeadline bool
	srv := newTestServer(t, withHealthChecks(HealthCheck{Name: "postgres", Check: func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}}))

	require.NoError(t, srv.handleReadiness(c))

	assert.True(t, hasDeadline)
}

func TestHandleVersion(t *testing.T) {
	c, rec := newHealthContext("/version")
	srv := newTestServer(t)

	require.NoError(t, srv.handleVersion(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
}
