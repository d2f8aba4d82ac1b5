// Package ratelimit implements per-workspace request limiting and the
// per-IP signup limit using Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// RPMKey is the sliding-window key of one workspace.
func RPMKey(workspaceID string) string {
	return fmt.Sprintf("ratelimit:ws:%s:rpm", workspaceID)
}

// RPMLimiter enforces a requests-per-minute limit per workspace.
type RPMLimiter struct {
	rdb      redis.Scripter
	rpmLimit int
	now      func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per minute for
// each workspace. A limit <= 0 disables limiting.
func NewRPMLimiter(rdb redis.Scripter, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, now: time.Now}
}

// Allow reports whether workspaceID may send one more request. Redis errors
// allow the request.
func (r *RPMLimiter) Allow(ctx context.Context, workspaceID string) (bool, error) {
	if r.rpmLimit <= 0 || r.rdb == nil {
		return true, nil
	}
	return r.check(ctx, RPMKey(workspaceID), r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := r.now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
