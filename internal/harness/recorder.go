package harness

import (
	"context"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/store"
)

// recordingStore traces every row an action writes.
type recordingStore struct {
	*store.Store
	trace *trace
}

func (r recordingStore) write(ctx context.Context, op, table, id string, row *record.Record) {
	e := TraceEvent{
		Kind:     KindWrite,
		Target:   table,
		Op:       op,
		SyncID:   changefeed.OriginFrom(ctx),
		RecordID: id,
	}
	if row != nil {
		e.Fields = row.Clone()
	}
	r.trace.add(e)
}

func (r recordingStore) Insert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	id, err := r.Store.Insert(ctx, table, tenantID, row)
	if err == nil {
		r.write(ctx, "insert", table, id, row)
	}
	return id, err
}

func (r recordingStore) Upsert(ctx context.Context, table, tenantID string, row *record.Record) (string, error) {
	id, err := r.Store.Upsert(ctx, table, tenantID, row)
	if err == nil {
		r.write(ctx, "upsert", table, id, row)
	}
	return id, err
}

func (r recordingStore) Update(ctx context.Context, table, tenantID, id string, fields *record.Record) error {
	err := r.Store.Update(ctx, table, tenantID, id, fields)
	if err == nil {
		r.write(ctx, "update", table, id, fields)
	}
	return err
}

func (r recordingStore) Delete(ctx context.Context, table, tenantID, id string) error {
	err := r.Store.Delete(ctx, table, tenantID, id)
	if err == nil {
		r.write(ctx, "delete", table, id, nil)
	}
	return err
}

// recordingSyncer traces every orchestrator invocation, direct or
// change-triggered.
type recordingSyncer struct {
	orch  *orchestrator.Orchestrator
	trace *trace
}

func (r recordingSyncer) SyncFormData(ctx context.Context, sc orchestrator.SyncContext, event registry.Event) (*orchestrator.SyncResult, error) {
	i := r.trace.add(invokeEvent(sc, string(event)))
	result, err := r.orch.SyncFormData(ctx, sc, event)
	if result != nil {
		r.trace.setSyncID(i, result.SyncID)
	}
	return result, err
}

func (r recordingSyncer) RetryFailedSync(ctx context.Context, syncID string, entry audit.Entry) (*orchestrator.SyncResult, error) {
	e := TraceEvent{
		Kind:   KindInvoke,
		Target: entry.FormID,
		Op:     "retry",
		Fields: entry.OriginalData.Clone(),
		Detail: map[string]any{"retry_of": syncID},
	}
	i := r.trace.add(e)
	result, err := r.orch.RetryFailedSync(ctx, syncID)
	if result != nil {
		r.trace.setSyncID(i, result.SyncID)
	}
	return result, err
}

func invokeEvent(sc orchestrator.SyncContext, op string) TraceEvent {
	detail := map[string]any{"user": sc.UserID}
	if len(sc.Metadata) > 0 {
		detail["metadata"] = sc.Metadata
	}
	e := TraceEvent{
		Kind:   KindInvoke,
		Target: sc.FormID,
		Op:     op,
		Detail: detail,
	}
	if sc.Data != nil {
		e.Fields = sc.Data.Clone()
	}
	return e
}

// statusListener traces the terminal status of every run.
func statusListener(t *trace) orchestrator.Listener {
	return func(s orchestrator.SyncStatus) {
		if s.Status != orchestrator.StatusCompleted && s.Status != orchestrator.StatusFailed {
			return
		}
		detail := map[string]any{}
		if s.ErrorMessage != "" {
			detail["error"] = s.ErrorMessage
		}
		if r := s.Details; r != nil {
			detail["synced_tables"] = r.SyncedTables
			detail["errors"] = r.Errors
			detail["created"] = refs(r.CreatedRecords)
			detail["updated"] = refs(r.UpdatedRecords)
			if len(r.ReplayedRecords) > 0 {
				detail["replayed"] = refs(r.ReplayedRecords)
			}
		}
		t.add(TraceEvent{
			Kind:   KindSync,
			Target: s.FormID,
			Op:     string(s.Status),
			SyncID: s.ID,
			Detail: detail,
		})
	}
}

func refs(rs []audit.Ref) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Table + "/" + r.ID
	}
	return out
}

// notifier traces notifications.
func notifier(t *trace) notify.Notifier {
	return notify.Func(func(_ context.Context, n notify.Notification) error {
		t.add(TraceEvent{
			Kind:   KindNotify,
			Target: n.Config.Template,
			Op:     n.Config.Type,
			SyncID: n.SyncID,
			Detail: map[string]any{
				"form_id":   n.FormID,
				"rule_id":   n.RuleID,
				"recipient": n.Config.Recipient,
			},
		})
		return nil
	})
}
