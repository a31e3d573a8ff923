// Package audit defines the durable record of sync attempts.
//
// Every orchestrator run appends exactly one Entry. Entries are never
// updated; a retry appends a new entry whose RetryOf points at the failed
// one.
package audit

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// Status is the outcome recorded for a sync attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Ref identifies a row written by an action.
type Ref struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Entry is one logged sync attempt.
type Entry struct {
	ID             string            `json:"id"` // sync id
	FormID         string            `json:"form_id"`
	TenantID       string            `json:"tenant_id"`
	UserID         string            `json:"user_id"`
	Event          string            `json:"event"`
	SyncDate       time.Time         `json:"sync_date"`
	Status         Status            `json:"status"`
	SyncedTables   []string          `json:"synced_tables"`
	CreatedRecords []Ref             `json:"created_records"`
	UpdatedRecords []Ref             `json:"updated_records"`
	Errors         []string          `json:"errors"`
	OriginalData   *record.Record    `json:"original_data"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RetryOf        string            `json:"retry_of,omitempty"`
	PayloadHash    string            `json:"payload_hash"`
}

// Filter selects entries. Zero fields do not filter. Results are newest
// first.
type Filter struct {
	TenantID string
	FormID   string
	Status   Status
	Since    time.Time
	Limit    int
}

// Matches reports whether e passes every non-zero field of f (Limit is
// ignored).
func (f Filter) Matches(e Entry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.FormID != "" && e.FormID != f.FormID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.SyncDate.Before(f.Since) {
		return false
	}
	return true
}

// Log is the append-only audit store.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Stats summarizes a set of entries for dashboards.
type Stats struct {
	Total        int       `json:"total"`
	Successful   int       `json:"successful"`
	Failed       int       `json:"failed"`
	SyncedTables []string  `json:"synced_tables"`
	LastSync     time.Time `json:"last_sync,omitzero"`
}

// SuccessRate is Successful/Total, or 0 for no entries.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total)
}

// ComputeStats aggregates entries. SyncedTables is the sorted set of
// distinct tables written across all entries.
func ComputeStats(entries []Entry) Stats {
	stats := Stats{SyncedTables: []string{}}
	seen := make(map[string]bool)
	for _, e := range entries {
		stats.Total++
		switch e.Status {
		case StatusSuccess:
			stats.Successful++
		case StatusFailed:
			stats.Failed++
		}
		for _, table := range e.SyncedTables {
			if !seen[table] {
				seen[table] = true
				stats.SyncedTables = append(stats.SyncedTables, table)
			}
		}
		if e.SyncDate.After(stats.LastSync) {
			stats.LastSync = e.SyncDate
		}
	}
	slices.Sort(stats.SyncedTables)
	return stats
}

// Firing records that a create action of an origin sync run succeeded, so
// a retry of that run does not create the row again.
type Firing struct {
	Key         string    `json:"key"` // record.ActionKey(SyncID, RuleID, ActionIndex)
	SyncID      string    `json:"sync_id"`
	RuleID      string    `json:"rule_id"`
	ActionIndex int       `json:"action_index"`
	Table       string    `json:"table"`
	RecordID    string    `json:"record_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FiringLog stores action idempotency keys.
type FiringLog interface {
	// RecordFiring stores f unless its key exists. It reports whether f
	// was stored.
	RecordFiring(ctx context.Context, f Firing) (bool, error)
	// LookupFiring returns the firing stored under key.
	LookupFiring(ctx context.Context, key string) (Firing, bool, error)
}
