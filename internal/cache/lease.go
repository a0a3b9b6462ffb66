package cache

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lease only if we still own it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

type LeaseLocker struct {
	rdb      *redis.Client
	newToken func() string
}

func NewLeaseLocker(rdb *redis.Client) *LeaseLocker {
	return &LeaseLocker{rdb: rdb, newToken: uuid.NewString}
}

func leaseKey(key string) string {
	return "lease:" + key
}

// Acquire takes a lease on key for ttl. ok is false when another worker
// holds it. Without Redis every acquire succeeds.
func (l *LeaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	if l == nil || l.rdb == nil {
		return func(context.Context) {}, true, nil
	}

	k := leaseKey(key)
	token := l.newToken()
	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	release := func(ctx context.Context) {
		if err := l.rdb.Eval(ctx, releaseScript, []string{k}, token).Err(); err != nil {
			log.Printf("[SWEEPER] failed to release lease %s: %v", k, err)
		}
	}
	return release, true, nil
}
