// Package pgstore stores tenant rows in real Postgres tables and feeds
// their changes into a changefeed.Hub.
//
// Every table must carry text id and tenant_id columns. Row fields map
// one-to-one onto columns; column names are quoted with pgx.Identifier, so
// field names never reach SQL unescaped.
//
// Writes made under a context marked with changefeed.WithOrigin set the
// formsync.origin setting for their transaction, which the trigger
// installed by TriggerSQL copies into the notification.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// Reserved columns.
const (
	ColumnID       = "id"
	ColumnTenantID = "tenant_id"
)

// originSetting carries the sync id of an engine write to the trigger.
const originSetting = "formsync.origin"

// Store implements the orchestrator's RecordStore and the prefill
// RecordReader over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithIDGenerator sets the generator for ids of inserted rows that carry
// none. Default: UUIDv7.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool. The caller keeps ownership of pool unless it
// calls Close.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Insert adds row to table for tenantID and returns its id. The row's id
// is used when present, otherwise one is generated.
func (s *Store) Insert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	stored := s.prepareRow(row, tenantID)
	sql, args := insertSQL(table, stored, false)

	if err := s.exec(ctx, sql, args, false); err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}
	return stored.ID(), nil
}

// Upsert inserts row or updates the row with the same id. Columns absent
// from row keep their stored value. A conflicting id owned by another
// tenant is reported as store.ErrNotFound.
func (s *Store) Upsert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	stored := s.prepareRow(row, tenantID)
	sql, args := insertSQL(table, stored, true)

	if err := s.exec(ctx, sql, args, true); err != nil {
		return "", fmt.Errorf("upsert %s: %w", table, err)
	}
	return stored.ID(), nil
}

// Update sets the columns of fields on the row (table, tenantID, id). id
// and tenant_id in fields are ignored. Returns store.ErrNotFound when the
// tenant has no such row.
func (s *Store) Update(ctx context.Context, table, tenantID, id string, fields *record.Record) error {
	var (
		sets []string
		args []any
	)
	fields.Range(func(k string, v record.Value) bool {
		if k == ColumnID || k == ColumnTenantID {
			return true
		}
		args = append(args, record.ToAny(v))
		sets = append(sets, quote(k)+" = $"+strconv.Itoa(len(args)))
		return true
	})
	if len(sets) == 0 {
		if _, err := s.Get(ctx, table, tenantID, id); err != nil {
			return fmt.Errorf("update %s/%s: %w", table, id, err)
		}
		return nil
	}

	args = append(args, tenantID, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d AND %s = $%d",
		quote(table), strings.Join(sets, ", "),
		quote(ColumnTenantID), len(args)-1, quote(ColumnID), len(args))

	if err := s.exec(ctx, sql, args, true); err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes the row (table, tenantID, id). Returns store.ErrNotFound
// when the tenant has no such row.
func (s *Store) Delete(ctx context.Context, table, tenantID, id string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND %s = $2",
		quote(table), quote(ColumnTenantID), quote(ColumnID))

	if err := s.exec(ctx, sql, []any{tenantID, id}, true); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Get returns the row (table, tenantID, id) or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, table, tenantID, id string) (*record.Record, error) {
	rows, err := s.Select(ctx, query.Select{
		Table:    table,
		TenantID: tenantID,
		Filter:   query.Eq(ColumnID, record.String(id)),
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

// Select returns rows matching q ordered by id.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Select(ctx context.Context, q query.Select) ([]*record.Record, error) {
	sql, args, err := query.CompilePostgres(q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	out, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	if out == nil {
		out = []*record.Record{}
	}
	return out, nil
}

// exec runs one statement in a transaction, tagging it with the write
// origin from ctx. With mustAffect, zero affected rows is
// store.ErrNotFound.
func (s *Store) exec(ctx context.Context, sql string, args []any, mustAffect bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if origin := changefeed.OriginFrom(ctx); origin != "" {
			if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", originSetting, origin); err != nil {
				return fmt.Errorf("set write origin: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if mustAffect && tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) prepareRow(row *record.Record, tenantID string) *record.Record {
	stored := row.Clone()
	if stored.ID() == "" {
		stored.Set(ColumnID, record.String(s.newID()))
	}
	stored.Set(ColumnTenantID, record.String(tenantID))
	return stored
}

// insertSQL builds an INSERT of every field of row. With upsert, an id
// conflict updates the other columns when the existing row belongs to the
// same tenant.
func insertSQL(table string, row *record.Record, upsert bool) (string, []any) {
	var (
		cols, params, sets []string
		args               []any
	)
	row.Range(func(k string, v record.Value) bool {
		args = append(args, record.ToAny(v))
		cols = append(cols, quote(k))
		params = append(params, "$"+strconv.Itoa(len(args)))
		if k != ColumnID && k != ColumnTenantID {
			sets = append(sets, quote(k)+" = EXCLUDED."+quote(k))
		}
		return true
	})

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(cols, ", "), strings.Join(params, ", "))
	if !upsert {
		return sql, args
	}
	if len(sets) == 0 {
		sets = []string{quote(ColumnTenantID) + " = EXCLUDED." + quote(ColumnTenantID)}
	}
	sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s = EXCLUDED.%s",
		quote(ColumnID), strings.Join(sets, ", "),
		quote(table), quote(ColumnTenantID), quote(ColumnTenantID))
	return sql, args
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// failure, such as inserting an existing id.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
