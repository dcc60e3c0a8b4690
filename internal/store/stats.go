package store

import (
	"context"
	"fmt"
)

// CacheStats summarizes the cache contents and recent sync activity.
type CacheStats struct {
	TotalEvents       int         `json:"total_events"`
	EventsByKind      map[int]int `json:"events_by_kind"`
	AttemptsLast24h   int         `json:"sync_attempts_last_24h"`
	FailedLast24h     int         `json:"sync_failures_last_24h"`
	StoredLast24h     int         `json:"events_stored_last_24h"`
	SuccessRateLast24 float64     `json:"sync_success_rate_last_24h"`
}

func (s *PostgresStore) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	stats := CacheStats{EventsByKind: map[int]int{}}

	rows, err := s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	for rows.Next() {
		var kind, count int
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning event count: %w", err)
		}
		stats.EventsByKind[kind] = count
		stats.TotalEvents += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(stored), 0)
		FROM sync_attempts
		WHERE created_at > NOW() - INTERVAL '24 hours'
	`).Scan(&stats.AttemptsLast24h, &stats.FailedLast24h, &stats.StoredLast24h)
	if err != nil {
		return nil, fmt.Errorf("querying sync attempt stats: %w", err)
	}

	if stats.AttemptsLast24h > 0 {
		ok := stats.AttemptsLast24h - stats.FailedLast24h
		stats.SuccessRateLast24 = float64(ok) / float64(stats.AttemptsLast24h) * 100
	}
	return &stats, nil
}
