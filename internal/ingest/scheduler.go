package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Priya8975/relay-cache-sync/internal/engine"
)

// Runner runs one pipeline pass; *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (*RunReport, error)
}

// Scheduler triggers a pipeline run at a fixed interval, starting with one
// run right away. A tick that finds a run still in progress is skipped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("sync scheduler started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.runner.Run(ctx, RunOptions{})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrRunInProgress):
		s.logger.Info("sync run already in progress, skipping tick")
	default:
		s.logger.Error("scheduled sync run failed to start", "error", err)
	}
}
