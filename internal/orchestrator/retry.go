package orchestrator

import (
	"context"
	"fmt"
	"maps"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/registry"
)

// MetadataRetryOf is the metadata key naming the first failed run of a
// retry chain.
const MetadataRetryOf = "retry_of"

// DefaultHistoryLimit is the number of entries SyncHistory returns when no
// limit is given.
const DefaultHistoryLimit = 10

// RetryFailedSync re-runs a failed sync from its audit entry.
//
// The whole rule set of the form is replayed as an update event with the
// original data and metadata. Creates that already succeeded under the
// first failed run of the chain are skipped when a firing log is
// configured. Returns ErrNotRetryable if the entry did not fail.
func (o *Orchestrator) RetryFailedSync(ctx context.Context, syncID string) (*SyncResult, error) {
	if o.audit == nil {
		return nil, fmt.Errorf("retry %s: no audit log configured", syncID)
	}

	entry, err := o.audit.Get(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", syncID, err)
	}
	if o.tenant != "" && entry.TenantID != o.tenant {
		return nil, fmt.Errorf("retry %s: %w", syncID, ErrTenantMismatch)
	}
	if entry.Status != audit.StatusFailed {
		return nil, fmt.Errorf("retry %s: %w (status %s)", syncID, ErrNotRetryable, entry.Status)
	}

	origin := entry.RetryOf
	if origin == "" {
		origin = entry.ID
	}

	metadata := maps.Clone(entry.Metadata)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata[MetadataRetryOf] = origin

	o.logger.Info("retrying sync", "sync_id", syncID, "origin", origin, "form_id", entry.FormID)

	sc := SyncContext{
		FormID:   entry.FormID,
		TenantID: entry.TenantID,
		UserID:   entry.UserID,
		Data:     entry.OriginalData,
		Metadata: metadata,
	}
	return o.run(ctx, o.ids.Generate(), origin, sc, registry.EventUpdate)
}

// SyncHistory returns the most recent audit entries of formID, newest
// first. limit <= 0 uses DefaultHistoryLimit. Entries are those of the
// orchestrator's tenant when one is set.
func (o *Orchestrator) SyncHistory(ctx context.Context, formID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return o.listAudit(ctx, audit.Filter{FormID: formID, Limit: limit})
}

// SyncStats aggregates the audit entries matching f. A configured tenant
// replaces f.TenantID.
func (o *Orchestrator) SyncStats(ctx context.Context, f audit.Filter) (audit.Stats, error) {
	entries, err := o.listAudit(ctx, f)
	if err != nil {
		return audit.Stats{}, err
	}
	return audit.ComputeStats(entries), nil
}

func (o *Orchestrator) listAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if o.audit == nil {
		return []audit.Entry{}, nil
	}
	if o.tenant != "" {
		f.TenantID = o.tenant
	}
	entries, err := o.audit.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sync history: %w", err)
	}
	return entries, nil
}
