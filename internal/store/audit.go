package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/formsync/internal/audit"
)

// Append writes an audit entry. Entries are never updated; appending an
// existing id fails.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	cols, err := auditColumns(e)
	if err != nil {
		return fmt.Errorf("append audit entry %s: %w", e.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_logs
		(id, form_id, tenant_id, user_id, event, sync_date, status,
		 synced_tables, created_records, updated_records, errors,
		 original_data, metadata, retry_of, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.FormID, e.TenantID, e.UserID, e.Event, timestamp(e.SyncDate), string(e.Status),
		cols.syncedTables, cols.created, cols.updated, cols.errors,
		cols.originalData, cols.metadata, e.RetryOf, e.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("append audit entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry returns the audit entry with the given sync id or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditSelect+` FROM sync_logs WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("audit entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return audit.Entry{}, fmt.Errorf("audit entry %s: %w", id, err)
	}
	return e, nil
}

// List returns entries matching f, newest first.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where  []string
		params []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		params = append(params, f.TenantID)
	}
	if f.FormID != "" {
		where = append(where, "form_id = ?")
		params = append(params, f.FormID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		params = append(params, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "sync_date >= ?")
		params = append(params, timestamp(f.Since))
	}

	q := `SELECT ` + auditSelect + ` FROM sync_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sync_date DESC, seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		params = append(params, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Stats aggregates entries matching f (Limit is honoured).
func (s *Store) Stats(ctx context.Context, f audit.Filter) (audit.Stats, error) {
	entries, err := s.List(ctx, f)
	if err != nil {
		return audit.Stats{}, err
	}
	return audit.ComputeStats(entries), nil
}

// AuditLog adapts the store to audit.Log.
func (s *Store) AuditLog() audit.Log {
	return auditLog{s}
}

type auditLog struct{ s *Store }

func (l auditLog) Append(ctx context.Context, e audit.Entry) error { return l.s.Append(ctx, e) }
func (l auditLog) Get(ctx context.Context, id string) (audit.Entry, error) {
	return l.s.GetEntry(ctx, id)
}
func (l auditLog) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return l.s.List(ctx, f)
}

const auditSelect = `id, form_id, tenant_id, user_id, event, sync_date, status,
	synced_tables, created_records, updated_records, errors,
	original_data, metadata, retry_of, payload_hash`

type encodedAudit struct {
	syncedTables, created, updated, errors, originalData, metadata string
}

func auditColumns(e audit.Entry) (encodedAudit, error) {
	var (
		c   encodedAudit
		err error
	)
	if c.syncedTables, err = marshalJSON(e.SyncedTables); err != nil {
		return c, fmt.Errorf("synced_tables: %w", err)
	}
	if c.created, err = marshalJSON(e.CreatedRecords); err != nil {
		return c, fmt.Errorf("created_records: %w", err)
	}
	if c.updated, err = marshalJSON(e.UpdatedRecords); err != nil {
		return c, fmt.Errorf("updated_records: %w", err)
	}
	if c.errors, err = marshalJSON(e.Errors); err != nil {
		return c, fmt.Errorf("errors: %w", err)
	}
	if c.originalData, err = marshalRecord(e.OriginalData); err != nil {
		return c, fmt.Errorf("original_data: %w", err)
	}
	if c.metadata, err = marshalJSON(e.Metadata); err != nil {
		return c, fmt.Errorf("metadata: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e                                                  audit.Entry
		syncDate, status                                   string
		syncedTables, created, updated, errs, orig, metaJS string
	)
	err := row.Scan(
		&e.ID, &e.FormID, &e.TenantID, &e.UserID, &e.Event, &syncDate, &status,
		&syncedTables, &created, &updated, &errs,
		&orig, &metaJS, &e.RetryOf, &e.PayloadHash,
	)
	if err != nil {
		return audit.Entry{}, err
	}

	e.Status = audit.Status(status)
	if e.SyncDate, err = parseTimestamp(syncDate); err != nil {
		return audit.Entry{}, err
	}
	if err := unmarshalJSON(syncedTables, &e.SyncedTables); err != nil {
		return audit.Entry{}, fmt.Errorf("synced_tables: %w", err)
	}
	if err := unmarshalJSON(created, &e.CreatedRecords); err != nil {
		return audit.Entry{}, fmt.Errorf("created_records: %w", err)
	}
	if err := unmarshalJSON(updated, &e.UpdatedRecords); err != nil {
		return audit.Entry{}, fmt.Errorf("updated_records: %w", err)
	}
	if err := unmarshalJSON(errs, &e.Errors); err != nil {
		return audit.Entry{}, fmt.Errorf("errors: %w", err)
	}
	if err := unmarshalJSON(metaJS, &e.Metadata); err != nil {
		return audit.Entry{}, fmt.Errorf("metadata: %w", err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	if e.OriginalData, err = unmarshalRecord(orig); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}
