package redis

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("connection refused")

func failingProcess(context.Context, goredis.Cmder) error { return errConnRefused }
func okProcess(context.Context, goredis.Cmder) error { return nil }

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	process := hook.ProcessHook(okProcess)
	for range 10 {
		require.NoError(t, process(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg")))
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_TransientFailuresDoNotTrip(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	process := hook.ProcessHook(failingProcess)
	for range 2 {
		err := process(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg"))
		require.ErrorIs(t, err, errConnRefused)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAfterSustainedFailures(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)
	ctx := context.Background()

	process := hook.ProcessHook(failingProcess)
	for range 5 {
		_ = process(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	called := false
	err := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg"))

	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called)
	assert.InDelta(t, 2, testutil.ToFloat64(m.BreakerState), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BreakerStateChanges.WithLabelValues(circuitbreaker.OpenState.String())), 0)
}

func TestCircuitBreakerHook_NilReplyIsSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	for range 10 {
		assert.ErrorIs(t, process(ctx, goredis.NewStringCmd(ctx, "get", "key")), goredis.Nil)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpenRejectsDialAndPipeline(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return errConnRefused })
	for range 5 {
		_ = pipeline(ctx, nil)
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	_, err := hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		t.Fatal("dial should not be attempted while open")
		return nil, nil
	})(ctx, "tcp", "localhost:6379")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	assert.ErrorIs(t, pipeline(ctx, nil), circuitbreaker.ErrOpen)
}

func TestMetricsHook_CountsCommands(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)
	ctx := context.Background()

	require.NoError(t, hook.ProcessHook(okProcess)(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg")))
	require.Error(t, hook.ProcessHook(failingProcess)(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "msg")))
	require.ErrorIs(t, hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })(ctx, goredis.NewStringCmd(ctx, "get", "k")), goredis.Nil)

	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "success")), 0)
}

func TestMetricsHook_CountsDialErrors(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)

	_, err := hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		return nil, errConnRefused
	})(context.Background(), "tcp", "localhost:6379")

	require.ErrorIs(t, err, errConnRefused)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionErrors), 0)
}

func TestMetricsHook_NilMetricsPassThrough(t *testing.T) {
	hook := NewMetricsHook(nil)
	ctx := context.Background()

	assert.ErrorIs(t, hook.ProcessHook(failingProcess)(ctx, goredis.NewIntCmd(ctx, "publish")), errConnRefused)
	assert.NoError(t, hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })(ctx, nil))
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "spyglass:stream.online", Channel("spyglass", "stream.online"))
}
