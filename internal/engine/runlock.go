package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runLockKey = "sync:run_lock"

// ErrRunInProgress is returned by Acquire while another run holds the lock.
var ErrRunInProgress = errors.New("sync run already in progress")

// releaseScript deletes the lock only if it still carries our token, so a
// run that outlived its TTL cannot release a newer run's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RunLock keeps scheduled and manual pipeline runs from overlapping, also
// across processes sharing the Redis instance.
type RunLock struct {
	redisClient *redis.Client
	logger      *slog.Logger
	ttl         time.Duration
}

func NewRunLock(redisClient *redis.Client, ttl time.Duration, logger *slog.Logger) *RunLock {
	return &RunLock{redisClient: redisClient, ttl: ttl, logger: logger}
}

// Acquire takes the lock and returns the function that releases it.
func (l *RunLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()

	ok, err := l.redisClient.SetNX(ctx, runLockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	release := func() {
		// the run's own context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redisClient, []string{runLockKey}, token).Err(); err != nil {
			l.logger.Error("failed to release run lock", "error", err)
		}
	}
	return release, nil
}

// Held reports whether some run currently holds the lock.
func (l *RunLock) Held(ctx context.Context) (bool, error) {
	n, err := l.redisClient.Exists(ctx, runLockKey).Result()
	if err != nil {
		return false, fmt.Errorf("checking run lock: %w", err)
	}
	return n > 0, nil
}
