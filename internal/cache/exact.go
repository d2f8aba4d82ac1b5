package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// ExactCache keeps responses in Redis with SET EX.
//
// Lookups and writes degrade to a miss and a no-op when Redis misbehaves, so
// a cache outage never fails a chat request. Delete reports errors.
type ExactCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	log          *slog.Logger
	ownsClient   bool
}

// NewExactCacheFromClient wraps a client owned by the caller.
func NewExactCacheFromClient(redisCli *redis.Client, log *slog.Logger) *ExactCache {
	if log == nil {
		log = slog.Default()
	}
	return &ExactCache{client: redisCli, queryTimeout: defaultCacheTimeout, log: log}
}

// NewExactCacheFromURL dials redisURL and verifies it with PING. The
// returned cache owns the client and closes it in Close.
func NewExactCacheFromURL(ctx context.Context, redisURL string, log *slog.Logger) (*ExactCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := NewExactCacheFromClient(cli, log)
	c.ownsClient = true
	return c, nil
}

func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set always returns nil; write failures are logged and dropped.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Ping checks connectivity for readiness probes.
func (c *ExactCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis pool when the cache created it.
func (c *ExactCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}
