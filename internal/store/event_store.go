package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
)

// MaxQueryLimit caps the rows one filter can return.
const MaxQueryLimit = 500

// SaveEvent stores ev under its id and reports whether it was new. Saving
// an id that is already present changes nothing.
func (s *PostgresStore) SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	tags := ev.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("encoding tags of %s: %w", ev.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO events (id, pubkey, kind, created_at, tags, content, sig, d_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.PubKey, ev.Kind, int64(ev.CreatedAt), string(tagsJSON), ev.Content, ev.Sig, domain.DTag(ev))
	if err != nil {
		return false, fmt.Errorf("inserting event %s: %w", ev.ID, err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, tag := range indexableTags(ev.Tags) {
		batch.Queue(`
			INSERT INTO event_tags (event_id, name, value) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, ev.ID, tag[0], tag[1])
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("indexing tags of %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing event %s: %w", ev.ID, err)
	}
	return true, nil
}

// indexableTags returns the distinct (name, value) pairs of single-letter
// tags.
func indexableTags(tags nostr.Tags) [][2]string {
	seen := make(map[[2]string]struct{})
	var out [][2]string
	for _, tag := range tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		pair := [2]string{tag[0], tag[1]}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		out = append(out, pair)
	}
	return out
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*nostr.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, pubkey, kind, created_at, tags, content, sig
		FROM events WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// QueryEvents returns the stored events matching any of filters, newest
// first, each event at most once.
func (s *PostgresStore) QueryEvents(ctx context.Context, filters ...nostr.Filter) ([]nostr.Event, error) {
	seen := make(map[string]struct{})
	events := []nostr.Event{}

	for _, f := range filters {
		query, args := buildEventQuery(f, MaxQueryLimit)
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying events: %w", err)
		}

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning event: %w", err)
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			events = append(events, *ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading events: %w", err)
		}
	}

	if len(filters) > 1 {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].CreatedAt > events[j].CreatedAt
		})
	}
	return events, nil
}

// buildEventQuery translates a filter into SQL. An empty filter selects
// everything up to maxLimit rows.
func buildEventQuery(f nostr.Filter, maxLimit int) (string, []any) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.IDs) > 0 {
		conditions = append(conditions, "e.id = ANY("+arg(f.IDs)+")")
	}
	if len(f.Kinds) > 0 {
		conditions = append(conditions, "e.kind = ANY("+arg(f.Kinds)+")")
	}
	if len(f.Authors) > 0 {
		conditions = append(conditions, "e.pubkey = ANY("+arg(f.Authors)+")")
	}
	if f.Since != nil {
		conditions = append(conditions, "e.created_at >= "+arg(int64(*f.Since)))
	}
	if f.Until != nil {
		conditions = append(conditions, "e.created_at <= "+arg(int64(*f.Until)))
	}

	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := f.Tags[name]
		if len(name) != 1 || len(values) == 0 {
			conditions = append(conditions, "FALSE")
			continue
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.name = %s AND t.value = ANY(%s))",
			arg(name), arg(values),
		))
	}

	query := "SELECT e.id, e.pubkey, e.kind, e.created_at, e.tags, e.content, e.sig FROM events e"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY e.created_at DESC, e.id"

	limit := maxLimit
	if f.Limit > 0 && f.Limit < maxLimit {
		limit = f.Limit
	}
	query += " LIMIT " + arg(limit)

	return query, args
}

func scanEvent(row pgx.Row) (*nostr.Event, error) {
	var ev nostr.Event
	var createdAt int64
	var tagsJSON []byte
	if err := row.Scan(&ev.ID, &ev.PubKey, &ev.Kind, &createdAt, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
		return nil, err
	}
	ev.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal(tagsJSON, &ev.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", ev.ID, err)
	}
	return &ev, nil
}

// KnownReferences collects the ids, coordinates and authors of the newest
// stored events of kind, at most limit events.
func (s *PostgresStore) KnownReferences(ctx context.Context, kind, limit int) (domain.References, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pubkey, d_tag FROM events
		WHERE kind = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return domain.References{}, fmt.Errorf("querying references: %w", err)
	}
	defer rows.Close()

	var refs domain.References
	coords := make(map[string]struct{})
	authors := make(map[string]struct{})
	for rows.Next() {
		var id, pubkey, d string
		if err := rows.Scan(&id, &pubkey, &d); err != nil {
			return domain.References{}, fmt.Errorf("scanning reference: %w", err)
		}
		refs.EventIDs = append(refs.EventIDs, id)

		if domain.IsAddressable(kind) {
			c := domain.Coordinate{Kind: kind, PubKey: pubkey, Identifier: d}.String()
			if _, dup := coords[c]; !dup {
				coords[c] = struct{}{}
				refs.Coordinates = append(refs.Coordinates, c)
			}
		}
		if _, dup := authors[pubkey]; !dup {
			authors[pubkey] = struct{}{}
			refs.Authors = append(refs.Authors, pubkey)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.References{}, fmt.Errorf("reading references: %w", err)
	}
	return refs, nil
}
