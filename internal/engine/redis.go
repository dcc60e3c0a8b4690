// Package engine holds the Redis-backed coordination pieces of the sync
// service: the pipeline run lock, upstream health tracking and the
// cache-relay REQ rate limiter.
package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis parses redisURL and verifies the server answers.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
