package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// SaveSnapshot stores data under key until now+ttl, replacing any previous
// snapshot for key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, data *record.Record, ttl time.Duration) error {
	encoded, err := marshalRecord(data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prefill_snapshots (key, data, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at
	`, key, encoded, timestamp(s.now().Add(ttl)))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot returns the unexpired snapshot stored under key. An expired
// snapshot is deleted and reported as absent.
func (s *Store) LoadSnapshot(ctx context.Context, key string) (*record.Record, bool, error) {
	var data, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, expires_at FROM prefill_snapshots WHERE key = ?
	`, key).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}

	if expiresAt <= timestamp(s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM prefill_snapshots WHERE key = ?`, key); err != nil {
			return nil, false, fmt.Errorf("expire snapshot %s: %w", key, err)
		}
		return nil, false, nil
	}

	rec, err := unmarshalRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return rec, true, nil
}
