// Package prefill suggests values for a downstream form from the data of
// the form that led to it.
//
// An Engine combines four sources, strongest first:
//
//  1. the linked form's prefill mapping applied to the source data (always
//     wins)
//  2. rows of the target form's associated tables that point back at the
//     source record
//  3. the majority value of a field over recent successful submissions of
//     the target form
//  4. rule-based defaults (dates, status, priority, flags)
//
// Suggestions at or above AutoApplyConfidence are folded into the result;
// weaker ones are returned for the caller to accept or reject. Results are
// cached per (source form, target form, source record, tenant).
//
// Prefill never blocks form rendering: any failure yields an unsuccessful,
// empty Result instead of an error.
package prefill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
)

const (
	// DefaultCacheTTL is how long a computed Result is served from cache.
	DefaultCacheTTL = 5 * time.Minute

	// SavedTTL is how long SavePrefillData keeps a snapshot.
	SavedTTL = 24 * time.Hour

	// LinkedRecordLimit caps the rows fetched per associated table.
	LinkedRecordLimit = 10

	// HistorySample is the number of recent successful submissions
	// examined for majority values.
	HistorySample = 50

	// HistoryMinOccurrences is the count a majority value must exceed.
	HistoryMinOccurrences = 5

	// AutoApplyConfidence is the threshold at which a suggestion is
	// folded into Result.Data.
	AutoApplyConfidence = 0.7

	LinkedConfidence     = 0.8
	HistoryMaxConfidence = 0.9
	DefaultConfidence    = 0.5

	// NewRecord stands in for an absent source record id.
	NewRecord = "new"
)

// ErrUnknownForm is reported when the source or target form is not
// registered.
var ErrUnknownForm = errors.New("form schema not found")

// Context identifies a prefill request.
type Context struct {
	SourceFormID   string
	TargetFormID   string
	SourceRecordID string // empty for an unsaved source record
	SourceData     *record.Record
	TenantID       string
	UserID         string
}

// RecordReader reads tenant rows. Implemented by *store.Store and
// *pgstore.Store.
type RecordReader interface {
	Select(ctx context.Context, q query.Select) ([]*record.Record, error)
}

// HistoryReader reads audit entries. Implemented by *store.Store.
type HistoryReader interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// SnapshotStore keeps saved prefill data with an expiry. Implemented by
// *store.Store and *rediscache.Cache.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data *record.Record, ttl time.Duration) error
	LoadSnapshot(ctx context.Context, key string) (*record.Record, bool, error)
}

// Engine computes prefill results for one tenant session.
type Engine struct {
	registry  *registry.Registry
	records   RecordReader
	history   HistoryReader
	snapshots SnapshotStore

	logger *slog.Logger
	now    func() time.Time
	cache  *cache
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the clock used for cache expiry and date defaults.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache.ttl = ttl
	}
}

// WithSnapshots enables SavePrefillData and LoadSavedPrefill.
func WithSnapshots(s SnapshotStore) Option {
	return func(e *Engine) {
		e.snapshots = s
	}
}

// New creates an Engine.
func New(reg *registry.Registry, records RecordReader, history HistoryReader, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		records:  records,
		history:  history,
		now:      time.Now,
		cache:    newCache(DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// GetPrefillData returns suggested values for pc.TargetFormID. It never
// fails: on error the Result is unsuccessful and empty. Callers may modify
// the returned Result.
func (e *Engine) GetPrefillData(ctx context.Context, pc Context) *Result {
	key := cacheKeyOf(pc)
	if cached, ok := e.cache.get(key, e.now()); ok {
		e.logger.Debug("prefill cache hit", "source_form", pc.SourceFormID, "target_form", pc.TargetFormID, "tenant_id", pc.TenantID)
		return cached
	}

	result, err := e.compute(ctx, pc)
	if err != nil {
		e.logger.Warn("prefill failed",
			"source_form", pc.SourceFormID,
			"target_form", pc.TargetFormID,
			"tenant_id", pc.TenantID,
			"error", err)
		return emptyResult()
	}

	e.cache.put(key, result, e.now())
	return result.clone()
}

// ClearCache drops cached results whose source or target is formID, or
// every cached result when formID is empty.
func (e *Engine) ClearCache(formID string) {
	e.cache.clear(formID)
}

func (e *Engine) compute(ctx context.Context, pc Context) (*Result, error) {
	if _, ok := e.registry.FormSchema(pc.SourceFormID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, pc.SourceFormID)
	}
	target, ok := e.registry.FormSchema(pc.TargetFormID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, pc.TargetFormID)
	}

	source := pc.SourceData
	if source == nil {
		source = record.New()
	}

	base := e.basePrefill(pc.SourceFormID, pc.TargetFormID, source)

	linked, err := e.linkedRecords(ctx, pc, source, target)
	if err != nil {
		return nil, err
	}

	suggestions, err := e.suggest(ctx, pc, target, base, linked)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success:       true,
		Data:          base,
		LinkedRecords: linked,
		Suggestions:   []Suggestion{},
		Applied:       []Suggestion{},
	}
	for _, s := range suggestions {
		if s.Confidence < AutoApplyConfidence {
			result.Suggestions = append(result.Suggestions, s)
			continue
		}
		if !covered(result.Data, s.Field) {
			result.Data.Set(s.Field, s.Value)
		}
		result.Applied = append(result.Applied, s)
	}

	e.logger.Debug("prefill computed",
		"source_form", pc.SourceFormID,
		"target_form", pc.TargetFormID,
		"tenant_id", pc.TenantID,
		"fields", result.Data.Len(),
		"linked_records", len(linked),
		"suggestions", len(result.Suggestions))
	return result, nil
}

// basePrefill applies the prefill mapping of the source form's link to the
// target. Source fields that are absent are skipped; explicit nulls are
// carried.
func (e *Engine) basePrefill(sourceFormID, targetFormID string, source *record.Record) *record.Record {
	out := record.New()
	lf, ok := e.registry.LinkedForm(sourceFormID, targetFormID)
	if !ok {
		return out
	}
	for _, sourceField := range sortedKeys(lf.PrefillMapping) {
		if v, ok := source.Get(sourceField); ok {
			out.Set(lf.PrefillMapping[sourceField], v)
		}
	}
	return out
}

// linkedRecords fetches, for each associated table of the target form,
// the rows whose link field equals the source's value for it. The link
// field is the one the source form declares for that table; tables with
// no declared link field or no source value are skipped.
func (e *Engine) linkedRecords(ctx context.Context, pc Context, source *record.Record, target registry.FormSchema) ([]LinkedRecord, error) {
	out := []LinkedRecord{}
	for _, table := range target.AssociatedTables {
		field, ok := e.registry.LinkField(pc.SourceFormID, table)
		if !ok {
			continue
		}
		value := source.Value(field)
		if record.IsEmpty(value) {
			continue
		}

		rows, err := e.records.Select(ctx, query.Select{
			Table:    table,
			TenantID: pc.TenantID,
			Filter:   query.Eq(field, value),
			Limit:    LinkedRecordLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("linked records from %s: %w", table, err)
		}
		for _, row := range rows {
			out = append(out, LinkedRecord{Table: table, ID: row.ID(), Data: row})
		}
	}
	return out, nil
}

// covered reports whether data already holds a non-null value for field.
func covered(data *record.Record, field string) bool {
	v, ok := data.Get(field)
	return ok && !record.IsNull(v)
}
