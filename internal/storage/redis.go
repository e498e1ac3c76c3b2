package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis connection used by the durable queue and
// the scheduler leader lease.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis connection from QUEUE_URL.
func NewRedisClient(cfg *config.QueueConfig) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse queue URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromAddr creates a client for an already-known address.
// Used by tests running against miniredis.
func NewRedisClientFromAddr(addr string) *RedisClient {
	return &RedisClient{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
