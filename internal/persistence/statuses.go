package persistence

import (
	"context"
	"fmt"
)

// CachedStatuses returns the persisted status directory keyed by status key.
func (s *Store) CachedStatuses(ctx context.Context) (map[string]CachedStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status_key, remote_id, name
		FROM status_cache;
	`)
	if err != nil {
		return nil, fmt.Errorf("query status cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CachedStatus)
	for rows.Next() {
		var cs CachedStatus
		if err := rows.Scan(&cs.Key, &cs.RemoteID, &cs.Name); err != nil {
			return nil, fmt.Errorf("scan cached status: %w", err)
		}
		out[cs.Key] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status cache rows: %w", err)
	}
	return out, nil
}

// ReplaceStatuses rewrites the status directory atomically.
func (s *Store) ReplaceStatuses(ctx context.Context, statuses []CachedStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM status_cache;`); err != nil {
		return fmt.Errorf("clear status cache: %w", err)
	}
	for _, cs := range statuses {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_cache (status_key, remote_id, name, fetched_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, cs.Key, cs.RemoteID, cs.Name); err != nil {
			return fmt.Errorf("insert cached status %q: %w", cs.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status replace tx: %w", err)
	}
	return nil
}
