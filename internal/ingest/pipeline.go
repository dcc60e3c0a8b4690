package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/worker"
)

// referenceLimit caps how many known articles the reference filters carry.
const referenceLimit = 500

// ReferenceSource lists already-cached content of a kind.
type ReferenceSource interface {
	KnownReferences(ctx context.Context, kind, limit int) (domain.References, error)
}

// AttemptRecorder persists the outcome of each job.
type AttemptRecorder interface {
	RecordSyncAttempt(ctx context.Context, a domain.SyncAttempt) error
}

// Locker keeps runs from overlapping; *engine.RunLock implements it.
type Locker interface {
	Acquire(ctx context.Context) (func(), error)
}

// HealthRecorder tracks per-upstream failures; *engine.UpstreamHealth
// implements it.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, upstream string)
	RecordFailure(ctx context.Context, upstream string, cause error)
}

// RunOptions select the day counts of one run.
type RunOptions struct {
	Backfill bool
}

// RunReport summarizes one run. Attempts are in (upstream, menu) order.
type RunReport struct {
	RunID     string               `json:"run_id"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Attempts  []domain.SyncAttempt `json:"attempts"`
	Fetched   int                  `json:"fetched"`
	Stored    int                  `json:"stored"`
	Failed    int                  `json:"failed"`
}

// PipelineConfig holds the dependencies of a Pipeline. Everything but
// Syncer is optional.
type PipelineConfig struct {
	Syncer     *Syncer
	References ReferenceSource
	Attempts   AttemptRecorder
	Lock       Locker
	Health     HealthRecorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	Upstreams       []string
	Windows         Windows
	BackfillWindows Windows
	// NumWorkers upstreams are synced at once; each upstream's menu always
	// runs in order.
	NumWorkers int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline replays the filter menu against every upstream. One failed
// (upstream, filter) pair is logged and skipped; it never stops the run.
type Pipeline struct {
	cfg     PipelineConfig
	logger  *slog.Logger
	running sync.WaitGroup
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

// Upstreams returns the configured upstream relays.
func (p *Pipeline) Upstreams() []string {
	return p.cfg.Upstreams
}

// Run executes one complete run and returns its report. The only errors are
// from taking the run lock, engine.ErrRunInProgress among them.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.execute(ctx, uuid.NewString(), opts), nil
}

// Launch takes the run lock and runs in the background, returning the new
// run's id. Wait blocks until launched runs have finished.
func (p *Pipeline) Launch(ctx context.Context, opts RunOptions) (string, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer release()
		p.execute(ctx, runID, opts)
	}()
	return runID, nil
}

// Wait blocks until every launched run has finished.
func (p *Pipeline) Wait() {
	p.running.Wait()
}

func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	if p.cfg.Lock == nil {
		return func() {}, nil
	}
	return p.cfg.Lock.Acquire(ctx)
}

func (p *Pipeline) execute(ctx context.Context, runID string, opts RunOptions) *RunReport {
	start := p.cfg.Now()
	windows := p.cfg.Windows
	if opts.Backfill {
		windows = p.cfg.BackfillWindows
	}

	menu := BuildMenu(start, windows, p.references(ctx))
	upstreams := dedupe(p.cfg.Upstreams)

	p.logger.Info("sync run started",
		"run_id", runID,
		"upstreams", len(upstreams),
		"filters", len(menu),
		"backfill", opts.Backfill,
	)

	perUpstream := make([][]domain.SyncAttempt, len(upstreams))
	pool := worker.NewPool(p.cfg.NumWorkers, p.logger)
	pool.Start(ctx)
	for i, up := range upstreams {
		i, up := i, up
		pool.Submit(func(ctx context.Context) {
			perUpstream[i] = p.syncUpstream(ctx, runID, up, menu)
		})
	}
	pool.Stop()

	report := &RunReport{RunID: runID, StartedAt: start}
	for _, attempts := range perUpstream {
		for _, a := range attempts {
			report.Attempts = append(report.Attempts, a)
			report.Fetched += a.Fetched
			report.Stored += a.Stored
			if a.Status == domain.SyncStatusFailed {
				report.Failed++
			}
		}
	}
	report.Duration = time.Since(start)
	p.cfg.Metrics.ObserveRun(report.Duration)

	p.logger.Info("sync run finished",
		"run_id", runID,
		"pairs", len(report.Attempts),
		"failed", report.Failed,
		"fetched", report.Fetched,
		"stored", report.Stored,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// syncUpstream runs the whole menu against one upstream, in order.
func (p *Pipeline) syncUpstream(ctx context.Context, runID, upstream string, menu []MenuItem) []domain.SyncAttempt {
	attempts := make([]domain.SyncAttempt, 0, len(menu))
	for _, job := range Jobs([]string{upstream}, menu) {
		attempts = append(attempts, p.syncPair(ctx, runID, job))
	}
	return attempts
}

func (p *Pipeline) syncPair(ctx context.Context, runID string, job domain.SyncJob) (attempt domain.SyncAttempt) {
	start := time.Now()
	attempt = domain.SyncAttempt{
		RunID:    runID,
		Upstream: job.Upstream,
		Label:    job.Label,
		Status:   domain.SyncStatusSuccess,
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			attempt.Status = domain.SyncStatusFailed
			msg := "panic during sync"
			attempt.ErrorMessage = &msg
			p.logger.Error("sync pair panicked", "upstream", job.Upstream, "label", job.Label, "panic", r)
		}
		attempt.DurationMs = time.Since(start).Milliseconds()
		attempt.CreatedAt = time.Now()
		p.record(ctx, attempt, err)
	}()

	var res SyncResult
	res, err = p.cfg.Syncer.Sync(ctx, job)
	attempt.Fetched = res.Fetched
	attempt.Stored = res.Stored
	if err != nil {
		attempt.Status = domain.SyncStatusFailed
		msg := err.Error()
		attempt.ErrorMessage = &msg
	}
	return attempt
}

// record logs the attempt and reports it to the optional sinks.
func (p *Pipeline) record(ctx context.Context, a domain.SyncAttempt, err error) {
	if a.Status == domain.SyncStatusFailed {
		msg := ""
		if a.ErrorMessage != nil {
			msg = *a.ErrorMessage
		}
		p.logger.Warn("sync pair failed, skipping",
			"run_id", a.RunID,
			"upstream", a.Upstream,
			"label", a.Label,
			"fetched", a.Fetched,
			"stored", a.Stored,
			"error", msg,
		)
		p.cfg.Metrics.ObserveSyncFailure(a.Upstream, a.Label)
		if p.cfg.Health != nil {
			cause := err
			if cause == nil {
				cause = errors.New(msg)
			}
			p.cfg.Health.RecordFailure(ctx, a.Upstream, cause)
		}
	} else {
		p.logger.Debug("sync pair done",
			"run_id", a.RunID,
			"upstream", a.Upstream,
			"label", a.Label,
			"fetched", a.Fetched,
			"stored", a.Stored,
			"duration_ms", a.DurationMs,
		)
		if p.cfg.Health != nil {
			p.cfg.Health.RecordSuccess(ctx, a.Upstream)
		}
	}

	if p.cfg.Attempts != nil {
		if err := p.cfg.Attempts.RecordSyncAttempt(ctx, a); err != nil {
			p.logger.Error("failed to record sync attempt",
				"error", err,
				"upstream", a.Upstream,
				"label", a.Label,
			)
		}
	}
}

// references reads the known content the reference filters point at. A
// failure leaves those filters out of this run.
func (p *Pipeline) references(ctx context.Context) domain.References {
	if p.cfg.References == nil {
		return domain.References{}
	}
	refs, err := p.cfg.References.KnownReferences(ctx, domain.KindLongFormArticle, referenceLimit)
	if err != nil {
		p.logger.Warn("failed to load known references, reference filters skipped", "error", err)
		return domain.References{}
	}
	return refs
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
