package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
)

// Querier runs a query against relays; *relay.Client implements it.
type Querier interface {
	Query(ctx context.Context, q relay.Query) relay.Results
}

// EventStore is the privileged write path into the cache. Saving an id that
// is already stored must be a no-op.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error)
}

// Broadcaster receives events that were new to the cache.
type Broadcaster interface {
	Broadcast(ev *nostr.Event)
}

// SyncResult counts what one job moved.
type SyncResult struct {
	Fetched int
	Stored  int
	Outcome relay.Outcome
}

// Syncer copies the events matching one filter from one upstream into the
// store.
type Syncer struct {
	client    Querier
	store     EventStore
	broadcast Broadcaster
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewSyncer creates a syncer. broadcast and m may be nil.
func NewSyncer(client Querier, store EventStore, broadcast Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Syncer {
	return &Syncer{client: client, store: store, broadcast: broadcast, metrics: m, logger: logger}
}

// Sync runs job. Events fetched before an upstream failure are still saved;
// the failure is returned alongside the counts.
func (s *Syncer) Sync(ctx context.Context, job domain.SyncJob) (SyncResult, error) {
	results := s.client.Query(ctx, relay.Query{
		Relays:  []string{job.Upstream},
		Filters: []nostr.Filter{job.Filter},
	})
	res, ok := results.Get(job.Upstream)
	if !ok {
		return SyncResult{}, fmt.Errorf("no result from %s", job.Upstream)
	}

	out := SyncResult{Fetched: len(res.Events), Outcome: res.Outcome}
	var errs []error
	if err := outcomeError(res); err != nil {
		errs = append(errs, err)
	}

	failed := 0
	for i := range res.Events {
		ev := &res.Events[i]
		created, err := s.store.SaveEvent(ctx, ev)
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("saving %s: %w", ev.ID, err))
			continue
		}
		if !created {
			continue
		}
		out.Stored++
		if s.broadcast != nil {
			s.broadcast.Broadcast(ev)
		}
	}

	s.metrics.ObserveSynced(job.Label, out.Stored, out.Fetched-out.Stored-failed)
	return out, errors.Join(errs...)
}

// outcomeError turns an upstream-side failure into an error. Timeouts and
// dropped connections end a stream like EOSE does.
func outcomeError(res relay.RelayResult) error {
	switch res.Outcome {
	case relay.OutcomeError:
		if res.Err != nil {
			return fmt.Errorf("querying %s: %w", res.Relay, res.Err)
		}
		return fmt.Errorf("querying %s: %s", res.Relay, res.Message)
	case relay.OutcomeNotice, relay.OutcomeClosed:
		return fmt.Errorf("%s ended the subscription (%s): %s", res.Relay, res.Outcome, res.Message)
	default:
		return nil
	}
}
