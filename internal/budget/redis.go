package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// monthKeyTTL outlives the longest month so stale keys expire on their own.
	monthKeyTTL      = 62 * 24 * time.Hour
	defaultOpTimeout = 500 * time.Millisecond
	spendKeyPrefix   = "spend:"
)

// RedisLedger keeps spend in keys of the form spend:<workspace>:<YYYY-MM>.
type RedisLedger struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, timeout: defaultOpTimeout, now: time.Now}
}

// SpendKey returns the Redis key of a workspace's spend for the month of t.
func SpendKey(workspaceID string, t time.Time) string {
	return spendKeyPrefix + workspaceID + ":" + MonthKey(t)
}

func (l *RedisLedger) CurrentSpend(ctx context.Context, workspaceID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	v, err := l.client.Get(ctx, SpendKey(workspaceID, l.now())).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: get spend: %w", err)
	}
	return v, nil
}

func (l *RedisLedger) AddSpend(ctx context.Context, workspaceID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := SpendKey(workspaceID, l.now())

	pipe := l.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amountUSD)
	pipe.Expire(ctx, key, monthKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("budget: add spend: %w", err)
	}
	return nil
}
