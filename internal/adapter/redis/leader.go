package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Renew when another instance holds the lease or it expired.
var ErrLeaseLost = errors.New("leader lease lost")

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaderElector is a SET NX lease so that only one instance runs a periodic job.
type LeaderElector struct {
	rdb        *goredis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderElector creates a lease on key. instanceID must be unique per process.
func NewLeaderElector(rdb *goredis.Client, key, instanceID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

// TryAcquire reports whether this instance now holds the lease.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	return ok, nil
}

// Renew extends the lease. It never takes over a lease held by someone else.
func (l *LeaderElector) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lease: %w", err)
	}
	return nil
}
