package prefill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/formsync/internal/record"
)

// ErrNoSnapshots is returned by the saved-prefill operations when the
// engine has no SnapshotStore.
var ErrNoSnapshots = errors.New("prefill snapshots not configured")

// SnapshotKey is the key saved prefill data is stored under.
func SnapshotKey(pc Context) string {
	key := cacheKeyOf(pc)
	return strings.Join([]string{"prefill", key.tenantID, key.source, key.target, key.recordID}, ":")
}

// SavePrefillData keeps data for pc for SavedTTL, replacing earlier saved
// data for the same request.
func (e *Engine) SavePrefillData(ctx context.Context, pc Context, data *record.Record) error {
	if e.snapshots == nil {
		return ErrNoSnapshots
	}
	key := SnapshotKey(pc)
	if err := e.snapshots.SaveSnapshot(ctx, key, data, SavedTTL); err != nil {
		return fmt.Errorf("save prefill %s: %w", key, err)
	}
	return nil
}

// LoadSavedPrefill returns data saved for pc that has not expired.
func (e *Engine) LoadSavedPrefill(ctx context.Context, pc Context) (*record.Record, bool, error) {
	if e.snapshots == nil {
		return nil, false, ErrNoSnapshots
	}
	key := SnapshotKey(pc)
	data, ok, err := e.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load prefill %s: %w", key, err)
	}
	return data, ok, nil
}
