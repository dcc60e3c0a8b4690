package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Upstream health states.
const (
	HealthUnknown     = "unknown"
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unreachable"
)

// UpstreamHealth tracks consecutive failed sync pairs per upstream relay in
// a Redis hash. It is informational: the pipeline still contacts every
// upstream on every run.
//
// - healthy: the last pair succeeded
// - degraded: fewer than the threshold consecutive failures
// - unreachable: at least threshold consecutive failures
type UpstreamHealth struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
}

// UpstreamState is the health snapshot of one upstream.
type UpstreamState struct {
	Upstream      string `json:"upstream"`
	State         string `json:"state"`
	Failures      int    `json:"consecutive_failures"`
	LastError     string `json:"last_error,omitempty"`
	LastFailedAt  string `json:"last_failed_at,omitempty"`
	LastSuccessAt string `json:"last_success_at,omitempty"`
}

func NewUpstreamHealth(redisClient *redis.Client, logger *slog.Logger) *UpstreamHealth {
	return &UpstreamHealth{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: 5,
	}
}

func healthKey(upstream string) string {
	return fmt.Sprintf("upstream:%s", upstream)
}

// RecordSuccess resets the failure streak.
func (h *UpstreamHealth) RecordSuccess(ctx context.Context, upstream string) {
	key := healthKey(upstream)

	prev, _ := h.redisClient.HGet(ctx, key, "failures").Int()

	err := h.redisClient.HSet(ctx, key,
		"failures", 0,
		"last_success_at", time.Now().Unix(),
	).Err()
	if err != nil {
		h.logger.Error("failed to record upstream success", "upstream", upstream, "error", err)
		return
	}

	if prev >= h.failureThreshold {
		h.logger.Info("upstream recovered", "upstream", upstream, "after_failures", prev)
	}
}

// RecordFailure extends the failure streak.
func (h *UpstreamHealth) RecordFailure(ctx context.Context, upstream string, cause error) {
	key := healthKey(upstream)

	failures, err := h.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		h.logger.Error("failed to record upstream failure", "upstream", upstream, "error", err)
		return
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	h.redisClient.HSet(ctx, key,
		"last_failed_at", time.Now().Unix(),
		"last_error", msg,
	)

	if failures == int64(h.failureThreshold) {
		h.logger.Warn("upstream unreachable",
			"upstream", upstream,
			"failures", failures,
			"threshold", h.failureThreshold,
		)
	}
}

// GetState returns the health snapshot of upstream.
func (h *UpstreamHealth) GetState(ctx context.Context, upstream string) UpstreamState {
	state := UpstreamState{Upstream: upstream, State: HealthUnknown}

	data, err := h.redisClient.HGetAll(ctx, healthKey(upstream)).Result()
	if err != nil || len(data) == 0 {
		return state
	}

	state.Failures, _ = strconv.Atoi(data["failures"])
	state.LastError = data["last_error"]
	state.LastFailedAt = formatUnix(data["last_failed_at"])
	state.LastSuccessAt = formatUnix(data["last_success_at"])

	switch {
	case state.Failures == 0:
		state.State = HealthHealthy
	case state.Failures < h.failureThreshold:
		state.State = HealthDegraded
	default:
		state.State = HealthUnreachable
	}
	return state
}

func formatUnix(s string) string {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
