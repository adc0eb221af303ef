package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-tenant fixed-window counter in Redis.
// The first request in a window creates the counter and sets its expiry,
// so the window restarts once the key expires.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	limit       int
	window      time.Duration
}

// INCR the counter, attach the window expiry on the first hit, return the count.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      fixedWindowScript,
		limit:       limit,
		window:      window,
	}
}

func rlKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return fmt.Sprintf("rate:%s", tenantID)
}

// Allow reports whether the tenant may send now.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID string) bool {
	if rl.limit <= 0 {
		return true
	}

	count, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(tenantID)}, rl.window.Milliseconds()).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "tenant_id", tenantID)
		return true // fail open
	}

	if count > int64(rl.limit) {
		rl.logger.Debug("rate limited",
			"tenant_id", tenantID,
			"count", count,
			"limit", rl.limit,
		)
		return false
	}

	return true
}
