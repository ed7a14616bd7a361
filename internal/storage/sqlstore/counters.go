package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fsl-continuum/fcuid/internal/types"
)

var incrWindowQuery = map[string]string{
	DriverSQLite: `
		INSERT INTO rate_counters (counter_key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(counter_key) DO UPDATE SET
			count = CASE WHEN rate_counters.window_start = excluded.window_start THEN rate_counters.count + 1 ELSE 1 END,
			window_start = excluded.window_start`,
	// MySQL assigns left to right, so count sees the old window_start.
	DriverMySQL: `
		INSERT INTO rate_counters (counter_key, window_start, count) VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE
			count = IF(window_start = VALUES(window_start), count + 1, 1),
			window_start = VALUES(window_start)`,
}

var recordSuspiciousQuery = map[string]string{
	DriverSQLite: `
		INSERT INTO suspicious (requester_id, failed_lookups, first_flagged, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(requester_id) DO UPDATE SET
			failed_lookups = MAX(suspicious.failed_lookups, excluded.failed_lookups),
			last_seen = excluded.last_seen`,
	DriverMySQL: `
		INSERT INTO suspicious (requester_id, failed_lookups, first_flagged, last_seen) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			failed_lookups = GREATEST(failed_lookups, VALUES(failed_lookups)),
			last_seen = VALUES(last_seen)`,
}

// IncrWindow increments the fixed-window counter for key and returns the new
// count and when the window resets.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	start := now.Truncate(window)
	var count int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, incrWindowQuery[s.dialect], key, start.UnixNano()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT count FROM rate_counters WHERE counter_key = ?`, key).Scan(&count)
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate counter %s: %w", key, err)
	}
	return count, start.Add(window), nil
}

// RecordSuspicious upserts a suspicion log entry.
func (s *Store) RecordSuspicious(ctx context.Context, requesterID string, failed int64, at time.Time) error {
	ts := at.UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx, recordSuspiciousQuery[s.dialect], requesterID, failed, ts, ts); err != nil {
		return fmt.Errorf("record suspicious requester %s: %w", requesterID, err)
	}
	return nil
}

// ListSuspicious returns the suspicion log, most recent first.
func (s *Store) ListSuspicious(ctx context.Context) ([]types.SuspiciousEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT requester_id, failed_lookups, first_flagged, last_seen
		FROM suspicious ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list suspicious: %w", err)
	}
	defer rows.Close()

	out := []types.SuspiciousEntry{}
	for rows.Next() {
		var (
			e           types.SuspiciousEntry
			first, last int64
		)
		if err := rows.Scan(&e.RequesterID, &e.FailedLookups, &first, &last); err != nil {
			return nil, fmt.Errorf("scan suspicious: %w", err)
		}
		e.FirstFlagged = time.Unix(0, first).UTC()
		e.LastSeen = time.Unix(0, last).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
