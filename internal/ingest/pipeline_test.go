package ingest

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/engine"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestPipeline(t *testing.T, relays *snapshotRelays, store *memoryStore, upstreams []string, mutate func(*PipelineConfig)) (*Pipeline, *attemptLog) {
	t.Helper()
	log := &attemptLog{}
	cfg := PipelineConfig{
		Syncer:          NewSyncer(relays, store, nil, nil, testLogger()),
		Attempts:        log,
		Logger:          testLogger(),
		Upstreams:       upstreams,
		Windows:         DefaultWindows,
		BackfillWindows: BackfillWindows,
		Now:             func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPipeline(cfg), log
}

func TestPipeline_FailureIsolation(t *testing.T) {
	relays := newSnapshotRelays()
	relays.events["wss://one"] = []nostr.Event{profile("p1", "a")}
	relays.events["wss://three"] = []nostr.Event{profile("p3", "c")}
	relays.down["wss://two"] = true
	store := newMemoryStore()

	p, log := newTestPipeline(t, relays, store, []string{"wss://one", "wss://two", "wss://three"}, nil)

	report, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	menuSize := len(BuildMenu(fixedNow, DefaultWindows, domain.References{}))
	if len(report.Attempts) != 3*menuSize {
		t.Fatalf("got %d attempts, want %d", len(report.Attempts), 3*menuSize)
	}
	if report.Failed != menuSize {
		t.Errorf("failed = %d, want every pair of the down upstream (%d)", report.Failed, menuSize)
	}
	for _, a := range report.Attempts {
		wantFailed := a.Upstream == "wss://two"
		if (a.Status == domain.SyncStatusFailed) != wantFailed {
			t.Errorf("%s/%s status = %s", a.Upstream, a.Label, a.Status)
		}
		if wantFailed && (a.ErrorMessage == nil || *a.ErrorMessage == "") {
			t.Errorf("%s/%s failed without a message", a.Upstream, a.Label)
		}
	}

	if got := store.ids(); !reflect.DeepEqual(got, []string{"p1", "p3"}) {
		t.Errorf("stored %v, want events from the reachable upstreams", got)
	}
	if relays.callCount("wss://three") != menuSize {
		t.Errorf("upstream after the failing one ran %d filters, want %d", relays.callCount("wss://three"), menuSize)
	}
	if len(log.attempts) != len(report.Attempts) {
		t.Errorf("recorded %d attempts, want %d", len(log.attempts), len(report.Attempts))
	}
}

func TestPipeline_AllUpstreamsDown(t *testing.T) {
	relays := newSnapshotRelays()
	relays.down["wss://a"] = true
	relays.down["wss://b"] = true

	p, _ := newTestPipeline(t, relays, newMemoryStore(), []string{"wss://a", "wss://b"}, nil)

	report, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Stored != 0 || report.Failed != len(report.Attempts) {
		t.Errorf("report = %+v, want zero stored and every pair failed", report)
	}
}

func TestPipeline_Idempotent(t *testing.T) {
	now := fixedNow.Unix()
	relays := newSnapshotRelays()
	relays.events["wss://a"] = []nostr.Event{
		article("art1", "pk1", "first", now-3600),
		article("old", "pk1", "ancient", now-60*86400),
		reply("r1", "art1", now-60),
		profile("prof1", "pk1"),
	}
	relays.events["wss://b"] = []nostr.Event{
		article("art1", "pk1", "first", now-3600),
		reply("r2", "art1", now-120),
	}
	refs := staticReferences{refs: domain.References{
		EventIDs:    []string{"art1"},
		Coordinates: []string{"30023:pk1:first"},
		Authors:     []string{"pk1"},
	}}
	store := newMemoryStore()

	p, _ := newTestPipeline(t, relays, store, []string{"wss://a", "wss://b"}, func(c *PipelineConfig) {
		c.References = refs
	})

	first, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	afterFirst := store.ids()

	second, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	want := []string{"art1", "prof1", "r1", "r2"}
	if !reflect.DeepEqual(afterFirst, want) {
		t.Errorf("after first run = %v, want %v", afterFirst, want)
	}
	if got := store.ids(); !reflect.DeepEqual(got, afterFirst) {
		t.Errorf("second run changed the cache: %v -> %v", afterFirst, got)
	}
	if first.Stored != 4 {
		t.Errorf("first run stored %d, want 4", first.Stored)
	}
	if second.Stored != 0 || second.Fetched != first.Fetched {
		t.Errorf("second run = %+v, want same fetch count and nothing new", second)
	}
	if first.RunID == second.RunID {
		t.Error("each run should get its own id")
	}
}

func TestPipeline_DeterministicOrderWithWorkers(t *testing.T) {
	relays := newSnapshotRelays()
	upstreams := []string{"wss://a", "wss://b", "wss://c", "wss://d"}

	p, _ := newTestPipeline(t, relays, newMemoryStore(), upstreams, func(c *PipelineConfig) {
		c.NumWorkers = 4
	})

	report, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	menu := BuildMenu(fixedNow, DefaultWindows, domain.References{})
	want := Jobs(upstreams, menu)
	if len(report.Attempts) != len(want) {
		t.Fatalf("got %d attempts, want %d", len(report.Attempts), len(want))
	}
	for i, a := range report.Attempts {
		if a.Upstream != want[i].Upstream || a.Label != want[i].Label {
			t.Errorf("attempt %d = (%s, %s), want (%s, %s)", i, a.Upstream, a.Label, want[i].Upstream, want[i].Label)
		}
	}
}

func TestPipeline_DuplicateUpstreamsSyncedOnce(t *testing.T) {
	relays := newSnapshotRelays()
	p, _ := newTestPipeline(t, relays, newMemoryStore(), []string{"wss://a", "wss://a"}, nil)

	report, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	menuSize := len(BuildMenu(fixedNow, DefaultWindows, domain.References{}))
	if len(report.Attempts) != menuSize {
		t.Errorf("got %d attempts, want %d", len(report.Attempts), menuSize)
	}
}

func TestPipeline_BackfillUsesWiderWindows(t *testing.T) {
	relays := newSnapshotRelays()
	p, _ := newTestPipeline(t, relays, newMemoryStore(), []string{"wss://a"}, nil)

	if _, err := p.Run(context.Background(), RunOptions{Backfill: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := relays.calls[0]
	if first.Filter.Since == nil || int64(*first.Filter.Since) != fixedNow.Unix()-90*86400 {
		t.Errorf("article since = %v, want T-90d", first.Filter.Since)
	}
}

func TestPipeline_ReferenceFailureSkipsReferenceFilters(t *testing.T) {
	relays := newSnapshotRelays()
	p, _ := newTestPipeline(t, relays, newMemoryStore(), []string{"wss://a"}, func(c *PipelineConfig) {
		c.References = staticReferences{err: errors.New("db down")}
	})

	report, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, a := range report.Attempts {
		switch a.Label {
		case LabelArticles, LabelProfiles, LabelDeletions:
		default:
			t.Errorf("unexpected reference filter %s", a.Label)
		}
	}
}

type countingHealth struct {
	successes, failures atomic.Int32
}

func (h *countingHealth) RecordSuccess(ctx context.Context, upstream string) { h.successes.Add(1) }
func (h *countingHealth) RecordFailure(ctx context.Context, upstream string, cause error) {
	h.failures.Add(1)
}

func TestPipeline_RecordsHealth(t *testing.T) {
	relays := newSnapshotRelays()
	relays.down["wss://down"] = true
	health := &countingHealth{}

	p, _ := newTestPipeline(t, relays, newMemoryStore(), []string{"wss://up", "wss://down"}, func(c *PipelineConfig) {
		c.Health = health
	})
	report, _ := p.Run(context.Background(), RunOptions{})

	per := int32(len(report.Attempts) / 2)
	if health.successes.Load() != per || health.failures.Load() != per {
		t.Errorf("successes=%d failures=%d, want %d each", health.successes.Load(), health.failures.Load(), per)
	}
}

func newRunLock(t *testing.T) *engine.RunLock {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return engine.NewRunLock(client, time.Minute, testLogger())
}

func TestPipeline_RunsDoNotOverlap(t *testing.T) {
	lock := newRunLock(t)
	p, _ := newTestPipeline(t, newSnapshotRelays(), newMemoryStore(), []string{"wss://a"}, func(c *PipelineConfig) {
		c.Lock = lock
	})

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := p.Run(context.Background(), RunOptions{}); !errors.Is(err, engine.ErrRunInProgress) {
		t.Errorf("Run while locked: err = %v, want ErrRunInProgress", err)
	}
	if _, err := p.Launch(context.Background(), RunOptions{}); !errors.Is(err, engine.ErrRunInProgress) {
		t.Errorf("Launch while locked: err = %v, want ErrRunInProgress", err)
	}

	release()

	if _, err := p.Run(context.Background(), RunOptions{}); err != nil {
		t.Errorf("Run after release: %v", err)
	}
}

func TestPipeline_LaunchRunsInBackground(t *testing.T) {
	lock := newRunLock(t)
	relays := newSnapshotRelays()
	relays.events["wss://a"] = []nostr.Event{profile("p1", "a")}
	store := newMemoryStore()

	p, log := newTestPipeline(t, relays, store, []string{"wss://a"}, func(c *PipelineConfig) {
		c.Lock = lock
	})

	runID, err := p.Launch(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if runID == "" {
		t.Error("Launch returned an empty run id")
	}
	p.Wait()

	if len(store.ids()) != 1 {
		t.Errorf("launched run stored %v", store.ids())
	}
	for _, a := range log.attempts {
		if a.RunID != runID {
			t.Errorf("attempt run id = %s, want %s", a.RunID, runID)
		}
	}
	if held, _ := lock.Held(context.Background()); held {
		t.Error("lock should be released after the run")
	}
}
