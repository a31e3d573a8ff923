package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/mapper"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/store"
)

// actionRun is one action of one matched rule within a sync.
type actionRun struct {
	syncID string
	origin string
	rule   registry.SyncRule
	index  int
	action registry.Action
	sc     SyncContext
}

func (a actionRun) fail(err error) *ActionError {
	return &ActionError{
		RuleID:      a.rule.ID,
		RuleName:    a.rule.Name,
		ActionIndex: a.index,
		Type:        a.action.Type,
		Table:       a.action.TargetTable,
		Err:         err,
	}
}

// executeAction performs a single action and records its effect in result.
// A returned error is an *ActionError.
func (o *Orchestrator) executeAction(ctx context.Context, a actionRun, result *SyncResult) error {
	switch a.action.Type {
	case registry.ActionCreate:
		return o.create(ctx, a, result)
	case registry.ActionSync:
		return o.upsert(ctx, a, result)
	case registry.ActionUpdate:
		return o.update(ctx, a, result)
	case registry.ActionDelete:
		return o.delete(ctx, a, result)
	case registry.ActionNotify:
		o.notify(ctx, a)
		return nil
	default:
		return a.fail(fmt.Errorf("unknown action type %q", a.action.Type))
	}
}

// skipWrite reports whether a writing action has nothing to write.
func skipWrite(a registry.Action) bool {
	return a.TargetTable == "" || len(a.FieldMappings) == 0
}

func (o *Orchestrator) create(ctx context.Context, a actionRun, result *SyncResult) error {
	if skipWrite(a.action) {
		return nil
	}
	table := a.action.TargetTable

	key, err := record.ActionKey(a.origin, a.rule.ID, a.index)
	if err != nil {
		return a.fail(err)
	}
	if o.firings != nil {
		prior, ok, err := o.firings.LookupFiring(ctx, key)
		if err != nil {
			return a.fail(err)
		}
		if ok {
			ref := audit.Ref{Table: prior.Table, ID: prior.RecordID}
			result.ReplayedRecords = append(result.ReplayedRecords, ref)
			result.addTable(table)
			o.logger.Info("create already applied",
				"sync_id", a.syncID,
				"origin", a.origin,
				"rule_id", a.rule.ID,
				"table", table,
				"record_id", prior.RecordID,
			)
			return nil
		}
	}

	mapped, err := o.mapper.Map(a.action.FieldMappings, a.sc.Data, nil)
	if err != nil {
		return a.fail(err)
	}
	id, err := o.records.Insert(ctx, table, a.sc.TenantID, mapped)
	if err != nil {
		return a.fail(err)
	}
	result.CreatedRecords = append(result.CreatedRecords, audit.Ref{Table: table, ID: id})
	result.addTable(table)

	if o.firings != nil {
		_, err := o.firings.RecordFiring(ctx, audit.Firing{
			Key:         key,
			SyncID:      a.origin,
			RuleID:      a.rule.ID,
			ActionIndex: a.index,
			Table:       table,
			RecordID:    id,
			CreatedAt:   o.now(),
		})
		if err != nil {
			o.logger.Error("record firing failed",
				"sync_id", a.syncID,
				"rule_id", a.rule.ID,
				"table", table,
				"record_id", id,
				"error", err,
			)
		}
	}
	return nil
}

func (o *Orchestrator) upsert(ctx context.Context, a actionRun, result *SyncResult) error {
	if skipWrite(a.action) {
		return nil
	}
	table := a.action.TargetTable

	var persisted *record.Record
	if mapper.NeedsPersisted(a.action.FieldMappings) {
		id, err := o.mapper.Map(idMappings(a.action.FieldMappings), a.sc.Data, nil)
		if err != nil {
			return a.fail(err)
		}
		if rowID := id.ID(); rowID != "" {
			if persisted, err = o.persisted(ctx, table, a.sc.TenantID, rowID); err != nil {
				return a.fail(err)
			}
		}
	}

	mapped, err := o.mapper.Map(a.action.FieldMappings, a.sc.Data, persisted)
	if err != nil {
		return a.fail(err)
	}
	id, err := o.records.Upsert(ctx, table, a.sc.TenantID, mapped)
	if err != nil {
		return a.fail(err)
	}
	result.UpdatedRecords = append(result.UpdatedRecords, audit.Ref{Table: table, ID: id})
	result.addTable(table)
	return nil
}

func (o *Orchestrator) update(ctx context.Context, a actionRun, result *SyncResult) error {
	if skipWrite(a.action) {
		return nil
	}
	table := a.action.TargetTable

	idField := updateIDField(a.action.FieldMappings)
	id, ok := recordID(a.sc.Data, idField)
	if !ok {
		return a.fail(fmt.Errorf("%w: field %q", ErrMissingID, idField))
	}

	var persisted *record.Record
	if mapper.NeedsPersisted(a.action.FieldMappings) {
		var err error
		if persisted, err = o.persisted(ctx, table, a.sc.TenantID, id); err != nil {
			return a.fail(err)
		}
	}

	mapped, err := o.mapper.Map(a.action.FieldMappings, a.sc.Data, persisted)
	if err != nil {
		return a.fail(err)
	}
	if err := o.records.Update(ctx, table, a.sc.TenantID, id, mapped); err != nil {
		return a.fail(err)
	}
	result.UpdatedRecords = append(result.UpdatedRecords, audit.Ref{Table: table, ID: id})
	result.addTable(table)
	return nil
}

func (o *Orchestrator) delete(ctx context.Context, a actionRun, result *SyncResult) error {
	table := a.action.TargetTable
	if table == "" {
		return nil
	}

	id, ok := recordID(a.sc.Data, store.FieldID)
	if !ok {
		return a.fail(fmt.Errorf("%w: field %q", ErrMissingID, store.FieldID))
	}
	if err := o.records.Delete(ctx, table, a.sc.TenantID, id); err != nil {
		return a.fail(err)
	}
	result.addTable(table)
	return nil
}

// notify hands the notification to the sink. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, a actionRun) {
	if a.action.Notification == nil {
		return
	}
	err := o.notifier.Notify(ctx, notify.Notification{
		Config:   *a.action.Notification,
		SyncID:   a.syncID,
		FormID:   a.sc.FormID,
		RuleID:   a.rule.ID,
		TenantID: a.sc.TenantID,
		UserID:   a.sc.UserID,
		Data:     a.sc.Data.Clone(),
		At:       o.now(),
	})
	if err != nil {
		o.logger.Warn("notification failed",
			"sync_id", a.syncID,
			"rule_id", a.rule.ID,
			"template", a.action.Notification.Template,
			"error", err,
		)
	}
}

// persisted reads the current target row for append mappings. A missing
// row reads as nil.
func (o *Orchestrator) persisted(ctx context.Context, table, tenantID, id string) (*record.Record, error) {
	row, err := o.records.Get(ctx, table, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", table, id, err)
	}
	return row, nil
}

// updateIDField returns the source field of the mapping targeting id,
// defaulting to "id".
func updateIDField(mappings []registry.FieldMapping) string {
	for _, m := range mappings {
		if m.TargetField == store.FieldID {
			return m.SourceField
		}
	}
	return store.FieldID
}

// idMappings returns the mappings targeting id.
func idMappings(mappings []registry.FieldMapping) []registry.FieldMapping {
	var out []registry.FieldMapping
	for _, m := range mappings {
		if m.TargetField == store.FieldID {
			out = append(out, m)
		}
	}
	return out
}

// recordID reads field from data as a row id. Only non-empty strings and
// numbers are ids.
func recordID(data *record.Record, field string) (string, bool) {
	id, ok := record.StringOf(data.Value(field))
	return id, ok && id != ""
}
