package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	signupWindow   = time.Hour
	redisOpTimeout = 500 * time.Millisecond

	// DefaultSignupPerHour is the per-IP key issuance limit.
	DefaultSignupPerHour = 3
)

// Result is the outcome of one signup limit check.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

// SignupKey is the counter key of ip for the hour containing t.
func SignupKey(ip string, t time.Time) string {
	return fmt.Sprintf("signup:%s:%d", ip, t.Unix()/int64(signupWindow/time.Second))
}

// SignupLimiter counts key issuance per client IP in fixed hourly buckets.
// Without Redis, or when Redis fails, every request is allowed.
type SignupLimiter struct {
	rdb     redis.Cmdable
	perHour int
	log     *slog.Logger
	now     func() time.Time
}

func NewSignupLimiter(rdb redis.Cmdable, perHour int, log *slog.Logger) *SignupLimiter {
	if perHour <= 0 {
		perHour = DefaultSignupPerHour
	}
	if log == nil {
		log = slog.Default()
	}
	return &SignupLimiter{rdb: rdb, perHour: perHour, log: log, now: time.Now}
}

func (s *SignupLimiter) Check(ctx context.Context, ip string) Result {
	reset := int(signupWindow / time.Second)
	open := Result{Allowed: true, Remaining: s.perHour, ResetSeconds: reset}

	if s.rdb == nil {
		return open
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := SignupKey(ip, s.now())

	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WarnContext(ctx, "signup_limit_check_failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return open
	}

	count := int(incr.Val())
	resetIn := int(ttl.Val() / time.Second)
	if ttl.Val() < 0 {
		if err := s.rdb.Expire(ctx, key, signupWindow).Err(); err != nil {
			s.log.WarnContext(ctx, "signup_limit_expire_failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		resetIn = reset
	}
	if resetIn <= 0 {
		resetIn = reset
	}

	return Result{
		Allowed:      count <= s.perHour,
		Remaining:    max(0, s.perHour-count),
		ResetSeconds: resetIn,
	}
}
