package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLeaseKey = "spyglass:reconcile:leader"

func TestLeaderElector_SingleInstanceAcquires(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)

	acquired, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	val, err := rdb.Get(ctx, testLeaseKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "instance-1", val)
}

func TestLeaderElector_SecondInstanceLoses(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	first := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	second := NewLeaderElector(rdb, testLeaseKey, "instance-2", time.Minute)

	acquired, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestLeaderElector_RenewExtendsLease(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	_, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, rdb.PExpire(ctx, testLeaseKey, time.Second).Err())

	require.NoError(t, elector.Renew(ctx))

	ttl, err := rdb.PTTL(ctx, testLeaseKey).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
}

func TestLeaderElector_RenewAfterExpiry(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	_, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, rdb.Del(ctx, testLeaseKey).Err())

	assert.ErrorIs(t, elector.Renew(ctx), ErrLeaseLost)
}

func TestLeaderElector_RenewDoesNotSteal(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	require.NoError(t, rdb.Set(ctx, testLeaseKey, "instance-2", time.Minute).Err())

	assert.ErrorIs(t, elector.Renew(ctx), ErrLeaseLost)

	val, err := rdb.Get(ctx, testLeaseKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "instance-2", val)
}

func TestLeaderElector_ReleaseHandsOver(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	first := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	second := NewLeaderElector(rdb, testLeaseKey, "instance-2", time.Minute)

	_, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))

	acquired, err := second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLeaderElector_ReleaseKeepsForeignLease(t *testing.T) {
	rdb := setupTestClient(t, nil)
	ctx := context.Background()

	first := NewLeaderElector(rdb, testLeaseKey, "instance-1", time.Minute)
	second := NewLeaderElector(rdb, testLeaseKey, "instance-2", time.Minute)

	_, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))

	val, err := rdb.Get(ctx, testLeaseKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "instance-1", val)
}
