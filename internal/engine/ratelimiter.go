package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how many REQ frames one cache-relay client may send
// per second. The window is a Redis sorted set of request timestamps,
// trimmed and counted atomically by a Lua script.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	limit       int
	window      time.Duration
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) >= limit then
    return 0
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window + 1000)
return 1
`)

// NewRateLimiter allows limit requests per second per client. A limit of
// zero or less disables limiting.
func NewRateLimiter(redisClient *redis.Client, limit int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
		window:      time.Second,
	}
}

func rlKey(clientID string) string {
	return fmt.Sprintf("rl:req:%s", clientID)
}

// Allow records one request from clientID and reports whether it is within
// the limit. Redis failures let the request through.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	result, err := slidingWindowScript.Run(ctx, rl.redisClient, []string{rlKey(clientID)},
		now, rl.window.Milliseconds(), rl.limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "client", clientID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("client rate limited", "client", clientID, "limit", rl.limit)
		return false
	}
	return true
}
