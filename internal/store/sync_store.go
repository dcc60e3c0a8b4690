package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
)

// RecordSyncAttempt stores the outcome of one (upstream, filter) pair.
func (s *PostgresStore) RecordSyncAttempt(ctx context.Context, a domain.SyncAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_attempts (run_id, upstream, label, status, fetched, stored, duration_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.RunID, a.Upstream, a.Label, a.Status, a.Fetched, a.Stored, a.DurationMs, a.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting sync attempt: %w", err)
	}
	return nil
}

// SyncAttemptFilter narrows ListSyncAttempts; zero values match everything.
type SyncAttemptFilter struct {
	RunID    string
	Upstream string
	Status   string
	Limit    int
}

// ListSyncAttempts returns recorded attempts, newest first.
func (s *PostgresStore) ListSyncAttempts(ctx context.Context, f SyncAttemptFilter) ([]domain.SyncAttempt, error) {
	query := `SELECT id, run_id, upstream, label, status, fetched, stored, duration_ms, error_message, created_at FROM sync_attempts`
	args := []any{}
	conditions := []string{}

	if f.RunID != "" {
		args = append(args, f.RunID)
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if f.Upstream != "" {
		args = append(args, f.Upstream)
		conditions = append(conditions, fmt.Sprintf("upstream = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	for i, c := range conditions {
		if i == 0 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += c
	}

	query += " ORDER BY created_at DESC, id DESC"

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.SyncAttempt{}
	for rows.Next() {
		var a domain.SyncAttempt
		err := rows.Scan(
			&a.ID, &a.RunID, &a.Upstream, &a.Label, &a.Status,
			&a.Fetched, &a.Stored, &a.DurationMs, &a.ErrorMessage, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sync attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
