package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter caps deliveries per subscription with a one second sliding
// window kept in a Redis sorted set. The Lua script trims, counts and adds
// in one step so concurrent workers cannot overshoot.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	window      time.Duration
	pollEvery   time.Duration
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		window:      time.Second,
		pollEvery:   50 * time.Millisecond,
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("rl:%s", subscriptionID)
}

// Allow takes a slot for subscriptionID if one is free in the current window.
// A limit of zero or less disables limiting. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	result, err := slidingWindowScript.Run(ctx, rl.redisClient, []string{rlKey(subscriptionID)},
		now, rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}

// Wait blocks until Allow succeeds or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, subscriptionID string, limit int) error {
	for {
		if rl.Allow(ctx, subscriptionID, limit) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.pollEvery):
		}
	}
}
