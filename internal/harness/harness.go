package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/dispatcher"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/prefill"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/testutil"
	"github.com/roach88/formsync/internal/transform"
)

// SyncTimeout bounds the wait for change-triggered runs of a write step.
const SyncTimeout = 5 * time.Second

// Harness is the per-scenario environment: a fresh store, the engine
// components wired to it, and the trace they write to.
type Harness struct {
	scenario   *Scenario
	tenantID   string
	store      *store.Store
	syncer     recordingSyncer
	dispatcher *dispatcher.Dispatcher
	prefill    *prefill.Engine
	clock      *testutil.Clock
	trace      *trace

	// syncIDs holds the sync id produced by each flow step, by index.
	syncIDs map[int]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a new SQLite database in a temporary
// directory, removed afterwards. An error is returned when the environment
// cannot be built or a step cannot be executed at all; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	reg, err := loadRegistry(scenario)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "formsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewClock(testutil.Epoch, time.Second)
	hub := changefeed.NewHub()
	defer hub.Close()

	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithHub(hub),
		store.WithClock(clock.Now),
		store.WithIDGenerator(testutil.NewSequence("row").Func()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := &trace{}
	orch := orchestrator.New(reg, recordingStore{Store: st, trace: tr}, st.AuditLog(),
		orchestrator.WithTenant(scenario.TenantID()),
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(clock.Now),
		orchestrator.WithIDGenerator(testutil.NewSequence("sync")),
		orchestrator.WithFiringLog(st),
		orchestrator.WithNotifier(notifier(tr)),
	)
	unsubscribe := orch.SubscribeSyncStatus(orchestrator.AllForms, statusListener(tr))
	defer unsubscribe()

	h := &Harness{
		scenario: scenario,
		tenantID: scenario.TenantID(),
		store:    st,
		syncer:   recordingSyncer{orch: orch, trace: tr},
		prefill: prefill.New(reg, st, st,
			prefill.WithLogger(logger),
			prefill.WithClock(clock.Now),
			prefill.WithSnapshots(st),
		),
		clock:   clock,
		trace:   tr,
		syncIDs: make(map[int]string),
	}

	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	if scenario.Dispatcher {
		h.dispatcher = dispatcher.New(reg, hub, h.syncer, h.tenantID,
			dispatcher.WithLogger(logger),
			dispatcher.WithClock(clock.Now),
			dispatcher.WithMaxConcurrent(1),
		)
		if err := h.dispatcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start dispatcher: %w", err)
		}
		defer h.dispatcher.Stop()
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	// Stop before reading the trace so no late run races the assertions.
	if h.dispatcher != nil {
		h.dispatcher.Stop()
	}
	result.Trace = tr.snapshot()

	actx := &AssertionContext{Ctx: ctx, Store: st, TenantID: h.tenantID}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func loadRegistry(s *Scenario) (*registry.Registry, error) {
	transforms := transform.NewRegistry()
	if dir := s.FormsDir(); dir != "" {
		reg, err := registry.LoadDir(dir, transforms)
		if err != nil {
			return nil, fmt.Errorf("failed to load forms from %s: %w", dir, err)
		}
		return reg, nil
	}
	reg, err := registry.LoadDefault(transforms)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in forms: %w", err)
	}
	return reg, nil
}

// setup inserts the setup rows before anything subscribes to changes.
func (h *Harness) setup(ctx context.Context) error {
	for i, row := range h.scenario.Setup {
		data, err := record.FromMap(row.Row)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if _, err := h.store.Insert(ctx, row.Table, h.tenantID, data); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch step.kind() {
	case "sync":
		return h.executeSync(ctx, i, step, result)
	case "retry":
		return h.executeRetry(ctx, i, step, result)
	case "write":
		return h.executeWrite(ctx, i, step.Write, result)
	case "prefill":
		return h.executePrefill(ctx, i, step, result)
	case "pause":
		if h.dispatcher == nil {
			return errNoDispatcher
		}
		return h.dispatcher.PauseTableSync(step.Pause)
	case "resume":
		if h.dispatcher == nil {
			return errNoDispatcher
		}
		return h.dispatcher.ResumeTableSync(step.Resume)
	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	}
	return fmt.Errorf("invalid step")
}

var errNoDispatcher = errors.New("scenario does not start the dispatcher")

func (h *Harness) executeSync(ctx context.Context, i int, step Step, result *Result) error {
	s := step.Sync
	data, err := record.FromMap(s.Data)
	if err != nil {
		return fmt.Errorf("sync data: %w", err)
	}
	user := s.User
	if user == "" {
		user = "user-1"
	}

	res, runErr := h.syncer.SyncFormData(ctx, orchestrator.SyncContext{
		FormID:   s.Form,
		TenantID: h.tenantID,
		UserID:   user,
		Data:     data,
		Metadata: s.Metadata,
	}, registry.Event(s.Event))
	if res != nil {
		h.syncIDs[i] = res.SyncID
	}
	checkSync(i, step.Expect, res, runErr, result)
	return nil
}

func (h *Harness) executeRetry(ctx context.Context, i int, step Step, result *Result) error {
	syncID, ok := h.syncIDs[step.Retry.Step]
	if !ok {
		return fmt.Errorf("retry: flow[%d] produced no sync id", step.Retry.Step)
	}
	entry, err := h.store.GetEntry(ctx, syncID)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	res, runErr := h.syncer.RetryFailedSync(ctx, syncID, entry)
	if res != nil {
		h.syncIDs[i] = res.SyncID
	}
	checkSync(i, step.Expect, res, runErr, result)
	return nil
}

func (h *Harness) executeWrite(ctx context.Context, i int, w *WriteStep, result *Result) error {
	before := h.trace.count(KindSync)

	var (
		id  = w.ID
		row *record.Record
		err error
	)
	if w.Row != nil {
		if row, err = record.FromMap(w.Row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	// Traced before the write: the dispatcher may react before it returns.
	ev := h.trace.add(TraceEvent{Kind: KindChange, Target: w.Table, Op: w.Op, RecordID: id, Fields: row})

	switch w.Op {
	case "insert":
		id, err = h.store.Insert(ctx, w.Table, h.tenantID, row)
	case "update":
		err = h.store.Update(ctx, w.Table, h.tenantID, w.ID, row)
	case "delete":
		err = h.store.Delete(ctx, w.Table, h.tenantID, w.ID)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", w.Table, err)
	}
	h.trace.setRecordID(ev, id)

	if w.Syncs > 0 && !h.trace.waitFor(ctx, KindSync, before+w.Syncs, SyncTimeout) {
		result.AddError(fmt.Sprintf("flow[%d]: expected %d change-triggered sync(s), got %d",
			i, w.Syncs, h.trace.count(KindSync)-before))
	}
	return nil
}

func (h *Harness) executePrefill(ctx context.Context, i int, step Step, result *Result) error {
	p := step.Prefill
	data, err := record.FromMap(p.Data)
	if err != nil {
		return fmt.Errorf("prefill data: %w", err)
	}

	res := h.prefill.GetPrefillData(ctx, prefill.Context{
		SourceFormID:   p.Source,
		TargetFormID:   p.Target,
		SourceRecordID: p.Record,
		SourceData:     data,
		TenantID:       h.tenantID,
		UserID:         p.User,
	})

	applied := make([]string, len(res.Applied))
	for j, s := range res.Applied {
		applied[j] = s.Field
	}
	pending := make([]string, len(res.Suggestions))
	for j, s := range res.Suggestions {
		pending[j] = s.Field
	}
	h.trace.add(TraceEvent{
		Kind:   KindPrefill,
		Target: p.Target,
		Op:     p.Source,
		Fields: res.Data,
		Detail: map[string]any{
			"success":     res.Success,
			"applied":     applied,
			"suggestions": pending,
			"linked":      len(res.LinkedRecords),
		},
	})

	checkPrefill(i, step.ExpectPrefill, res, applied, pending, result)
	return nil
}

func checkSync(i int, want *SyncExpect, got *orchestrator.SyncResult, runErr error, result *Result) {
	if want == nil {
		if runErr != nil {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, runErr))
		}
		return
	}

	if want.Error != "" {
		if runErr == nil || !containsString(runErr.Error(), want.Error) {
			result.AddError(fmt.Sprintf("flow[%d]: expected error containing %q, got %v", i, want.Error, runErr))
		}
		return
	}
	if runErr != nil {
		result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, runErr))
		return
	}

	if want.Success != nil && got.Success != *want.Success {
		result.AddError(fmt.Sprintf("flow[%d]: expected success=%t, got %t (errors: %v)", i, *want.Success, got.Success, got.Errors))
	}
	if len(want.Errors) > 0 {
		if len(got.Errors) != len(want.Errors) {
			result.AddError(fmt.Sprintf("flow[%d]: expected %d error(s), got %v", i, len(want.Errors), got.Errors))
		} else {
			for j, sub := range want.Errors {
				if !containsString(got.Errors[j], sub) {
					result.AddError(fmt.Sprintf("flow[%d]: errors[%d] %q does not contain %q", i, j, got.Errors[j], sub))
				}
			}
		}
	}
	if want.SyncedTables != nil && !equalStrings(got.SyncedTables, want.SyncedTables) {
		result.AddError(fmt.Sprintf("flow[%d]: expected synced_tables %v, got %v", i, want.SyncedTables, got.SyncedTables))
	}
	checkCount(i, "created", want.Created, len(got.CreatedRecords), result)
	checkCount(i, "updated", want.Updated, len(got.UpdatedRecords), result)
	checkCount(i, "replayed", want.Replayed, len(got.ReplayedRecords), result)
}

func checkPrefill(i int, want *PrefillExpect, got *prefill.Result, applied, pending []string, result *Result) {
	if want == nil {
		return
	}
	if want.Success != nil && got.Success != *want.Success {
		result.AddError(fmt.Sprintf("flow[%d]: expected prefill success=%t, got %t", i, *want.Success, got.Success))
	}
	if len(want.Data) > 0 {
		if msg := matchFields(got.Data, want.Data); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d]: prefill data: %s", i, msg))
		}
	}
	for _, field := range want.Absent {
		if got.Data.Has(field) {
			result.AddError(fmt.Sprintf("flow[%d]: prefill data: expected %s absent, got %v", i, field, got.Data.Value(field)))
		}
	}
	if want.Applied != nil && !equalStrings(applied, want.Applied) {
		result.AddError(fmt.Sprintf("flow[%d]: expected applied suggestions %v, got %v", i, want.Applied, applied))
	}
	if want.Suggestions != nil && !equalStrings(pending, want.Suggestions) {
		result.AddError(fmt.Sprintf("flow[%d]: expected suggestions %v, got %v", i, want.Suggestions, pending))
	}
	checkCount(i, "linked records", want.Linked, len(got.LinkedRecords), result)
}

func checkCount(i int, what string, want *int, got int, result *Result) {
	if want != nil && *want != got {
		result.AddError(fmt.Sprintf("flow[%d]: expected %d %s, got %d", i, *want, what, got))
	}
}

// entries lists the audit log for assertions.
func entries(ctx context.Context, st *store.Store, tenantID, formID string, status audit.Status) ([]audit.Entry, error) {
	return st.List(ctx, audit.Filter{TenantID: tenantID, FormID: formID, Status: status})
}
