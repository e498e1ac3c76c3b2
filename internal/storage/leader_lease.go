package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaderLease is a named, TTL-bounded lease used for singleton
// election (the scheduler). Only the holder's token can renew or
// release it.
type LeaderLease struct {
	client *redis.Client
	name   string
	token  string
	ttl    time.Duration
}

// NewLeaderLease creates a lease handle for the given name.
func NewLeaderLease(client *RedisClient, name string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{
		client: client.Client(),
		name:   "lease:" + name,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// renewScript extends the lease only when the caller still holds it.
var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// TryAcquire attempts to take the lease. Returns true when this
// process is now the leader.
func (l *LeaderLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.name, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.name, err)
	}
	return ok, nil
}

// Renew extends the lease TTL. Returns false when the lease was lost.
func (l *LeaderLease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.name}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.name, err)
	}
	return n == 1, nil
}

// Release gives the lease up if still held.
func (l *LeaderLease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.name}, l.token).Result(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.name, err)
	}
	return nil
}
