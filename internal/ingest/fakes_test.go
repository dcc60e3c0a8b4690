package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// snapshotRelays answers queries from a fixed set of events per upstream.
// Upstreams listed in down fail at the transport level.
type snapshotRelays struct {
	mu       sync.Mutex
	events   map[string][]nostr.Event
	down     map[string]bool
	calls    []domain.SyncJob
	outcomes map[string]relay.RelayResult
}

func newSnapshotRelays() *snapshotRelays {
	return &snapshotRelays{
		events:   make(map[string][]nostr.Event),
		down:     make(map[string]bool),
		outcomes: make(map[string]relay.RelayResult),
	}
}

func (s *snapshotRelays) Query(ctx context.Context, q relay.Query) relay.Results {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out relay.Results
	for _, url := range q.Relays {
		for _, f := range q.Filters {
			s.calls = append(s.calls, domain.SyncJob{Upstream: url, Filter: f})
		}
		if s.down[url] {
			out = append(out, relay.RelayResult{Relay: url, Outcome: relay.OutcomeError, Err: errors.New("connection refused")})
			continue
		}
		if res, ok := s.outcomes[url]; ok {
			res.Relay = url
			out = append(out, res)
			continue
		}
		res := relay.RelayResult{Relay: url, Outcome: relay.OutcomeEOSE}
		for _, ev := range s.events[url] {
			for _, f := range q.Filters {
				if f.Matches(&ev) {
					res.Events = append(res.Events, ev)
					break
				}
			}
		}
		out = append(out, res)
	}
	return out
}

func (s *snapshotRelays) callCount(upstream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Upstream == upstream {
			n++
		}
	}
	return n
}

// memoryStore is a content-addressed event store.
type memoryStore struct {
	mu      sync.Mutex
	events  map[string]nostr.Event
	failIDs map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: make(map[string]nostr.Event), failIDs: make(map[string]bool)}
}

func (m *memoryStore) SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[ev.ID] {
		return false, errors.New("disk full")
	}
	if _, ok := m.events[ev.ID]; ok {
		return false, nil
	}
	m.events[ev.ID] = *ev
	return true, nil
}

func (m *memoryStore) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	ids []string
}

func (b *recordingBroadcaster) Broadcast(ev *nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, ev.ID)
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []domain.SyncAttempt
}

func (l *attemptLog) RecordSyncAttempt(ctx context.Context, a domain.SyncAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

type staticReferences struct {
	refs domain.References
	err  error
}

func (s staticReferences) KnownReferences(ctx context.Context, kind, limit int) (domain.References, error) {
	return s.refs, s.err
}

func article(id, pubkey, d string, createdAt int64) nostr.Event {
	return nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		Kind:      domain.KindLongFormArticle,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags{{"d", d}},
		Content:   "# " + id,
	}
}

func reply(id, to string, createdAt int64) nostr.Event {
	return nostr.Event{
		ID:        id,
		PubKey:    "replier",
		Kind:      domain.KindTextNote,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags{{"e", to}},
	}
}

func profile(id, pubkey string) nostr.Event {
	return nostr.Event{ID: id, PubKey: pubkey, Kind: domain.KindProfileMetadata, CreatedAt: 1}
}
