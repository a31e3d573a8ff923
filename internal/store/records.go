package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
)

// Reserved row fields managed by the store.
const (
	FieldID       = "id"
	FieldTenantID = "tenant_id"
)

// Insert adds a new row to table for tenantID and returns its id.
//
// The row's id is used when present, otherwise one is generated. tenant_id
// is always set to tenantID. Inserting an existing id fails.
func (s *Store) Insert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	stored := s.prepareRow(row, tenantID)
	id := stored.ID()

	data, err := marshalRecord(stored)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}

	now := timestamp(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (table_name, tenant_id, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table, tenantID, id, data, now, now)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}

	s.publish(ctx, changefeed.Change{Table: table, Type: changefeed.Insert, TenantID: tenantID, New: stored})
	return id, nil
}

// Upsert inserts row, or merges it into the existing row with the same id.
// Fields not present in row keep their stored value. Returns the row id.
//
// The read of the stored row and the conflict-keyed write share one
// transaction, so concurrent upserts of an id never lose fields.
func (s *Store) Upsert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	id := row.ID()
	if id == "" {
		return s.Insert(ctx, table, tenantID, row)
	}

	var change changefeed.Change
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := getRow(ctx, tx, table, tenantID, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		stored := s.prepareRow(row, tenantID)
		change = changefeed.Change{Table: table, Type: changefeed.Insert, TenantID: tenantID, New: stored}
		if old != nil {
			stored = merge(old, row)
			change = changefeed.Change{Table: table, Type: changefeed.Update, TenantID: tenantID, Old: old, New: stored}
		}

		data, err := marshalRecord(stored)
		if err != nil {
			return err
		}
		now := timestamp(s.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (table_name, tenant_id, id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(table_name, tenant_id, id) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at
		`, table, tenantID, id, data, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", table, err)
	}

	s.publish(ctx, change)
	return id, nil
}

// Update merges fields into the row (table, tenantID, id). id and
// tenant_id in fields are ignored. Returns ErrNotFound when no such row
// exists for the tenant.
func (s *Store) Update(ctx context.Context, table, tenantID, id string, fields *record.Record) error {
	var old, merged *record.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		old, err = getRow(ctx, tx, table, tenantID, id)
		if err != nil {
			return err
		}
		merged = merge(old, fields)

		data, err := marshalRecord(merged)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET data = ?, updated_at = ?
			WHERE table_name = ? AND tenant_id = ? AND id = ?
		`, data, timestamp(s.now()), table, tenantID, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	s.publish(ctx, changefeed.Change{Table: table, Type: changefeed.Update, TenantID: tenantID, Old: old, New: merged})
	return nil
}

// merge copies old with every field except id and tenant_id overwritten.
func merge(old, fields *record.Record) *record.Record {
	merged := old.Clone()
	fields.Range(func(k string, v record.Value) bool {
		if k != FieldID && k != FieldTenantID {
			merged.Set(k, v)
		}
		return true
	})
	return merged
}

// Delete removes the row (table, tenantID, id). Returns ErrNotFound when no
// such row exists for the tenant.
func (s *Store) Delete(ctx context.Context, table, tenantID, id string) error {
	var old *record.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		old, err = getRow(ctx, tx, table, tenantID, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM records WHERE table_name = ? AND tenant_id = ? AND id = ?
		`, table, tenantID, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	s.publish(ctx, changefeed.Change{Table: table, Type: changefeed.Delete, TenantID: tenantID, Old: old})
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q rowQuerier, table, tenantID, id string) (*record.Record, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT data FROM records WHERE table_name = ? AND tenant_id = ? AND id = ?
	`, table, tenantID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return unmarshalRecord(data)
}

// Get returns the row (table, tenantID, id) or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, tenantID, id string) (*record.Record, error) {
	return getRow(ctx, s.db, table, tenantID, id)
}

// Select returns rows matching q in insertion order.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Select(ctx context.Context, q query.Select) ([]*record.Record, error) {
	sqlText, params, err := query.CompileSQLite(q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	defer rows.Close()

	out := []*record.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Table, err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.Table, err)
	}
	return out, nil
}

// prepareRow copies row with id first and tenant_id forced to tenantID.
func (s *Store) prepareRow(row *record.Record, tenantID string) *record.Record {
	id := row.ID()
	if id == "" {
		id = s.newID()
	}
	out := record.New(record.P(FieldID, record.String(id)))
	row.Range(func(k string, v record.Value) bool {
		if k != FieldID && k != FieldTenantID {
			out.Set(k, v)
		}
		return true
	})
	out.Set(FieldTenantID, record.String(tenantID))
	return out
}
