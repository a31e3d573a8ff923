package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/formsync/internal/audit"
)

// RecordFiring stores an action firing keyed by its idempotency key.
// Uses ON CONFLICT(key) DO NOTHING: an existing key is left untouched and
// reported as not inserted.
func (s *Store) RecordFiring(ctx context.Context, f audit.Firing) (bool, error) {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_firings
		(key, sync_id, rule_id, action_index, table_name, record_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, f.Key, f.SyncID, f.RuleID, f.ActionIndex, f.Table, f.RecordID, timestamp(createdAt))
	if err != nil {
		return false, fmt.Errorf("record firing: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record firing: rows affected: %w", err)
	}
	return n > 0, nil
}

// LookupFiring returns the firing stored under key.
func (s *Store) LookupFiring(ctx context.Context, key string) (audit.Firing, bool, error) {
	var (
		f         audit.Firing
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, sync_id, rule_id, action_index, table_name, record_id, created_at
		FROM action_firings WHERE key = ?
	`, key).Scan(&f.Key, &f.SyncID, &f.RuleID, &f.ActionIndex, &f.Table, &f.RecordID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Firing{}, false, nil
	}
	if err != nil {
		return audit.Firing{}, false, fmt.Errorf("lookup firing: %w", err)
	}
	if f.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return audit.Firing{}, false, err
	}
	return f, true, nil
}

// FiringsForSync lists the firings of one origin sync run in action order.
func (s *Store) FiringsForSync(ctx context.Context, syncID string) ([]audit.Firing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, sync_id, rule_id, action_index, table_name, record_id, created_at
		FROM action_firings WHERE sync_id = ?
		ORDER BY rule_id COLLATE BINARY ASC, action_index ASC
	`, syncID)
	if err != nil {
		return nil, fmt.Errorf("list firings: %w", err)
	}
	defer rows.Close()

	firings := []audit.Firing{}
	for rows.Next() {
		var (
			f         audit.Firing
			createdAt string
		)
		if err := rows.Scan(&f.Key, &f.SyncID, &f.RuleID, &f.ActionIndex, &f.Table, &f.RecordID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		if f.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}
