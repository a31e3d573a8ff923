package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/condition"
	"github.com/roach88/formsync/internal/mapper"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
)

// RecordStore is the tenant-scoped storage the actions write to.
//
// Get, Update and Delete report a missing row with an error wrapping
// store.ErrNotFound.
type RecordStore interface {
	Insert(ctx context.Context, table, tenantID string, row *record.Record) (string, error)
	Upsert(ctx context.Context, table, tenantID string, row *record.Record) (string, error)
	Update(ctx context.Context, table, tenantID, id string, fields *record.Record) error
	Delete(ctx context.Context, table, tenantID, id string) error
	Get(ctx context.Context, table, tenantID, id string) (*record.Record, error)
}

// SyncContext is the input of one sync run.
type SyncContext struct {
	FormID   string
	TenantID string
	UserID   string
	Data     *record.Record
	Metadata map[string]string
}

// SyncResult aggregates the outcome of one sync run.
type SyncResult struct {
	SyncID         string      `json:"sync_id"`
	Success        bool        `json:"success"`
	SyncedTables   []string    `json:"synced_tables"`
	Errors         []string    `json:"errors"`
	CreatedRecords []audit.Ref `json:"created_records"`
	UpdatedRecords []audit.Ref `json:"updated_records"`

	// ReplayedRecords lists creates skipped on retry because the origin
	// run already inserted them.
	ReplayedRecords []audit.Ref `json:"replayed_records,omitempty"`
}

func newResult(syncID string) *SyncResult {
	return &SyncResult{
		SyncID:         syncID,
		SyncedTables:   []string{},
		Errors:         []string{},
		CreatedRecords: []audit.Ref{},
		UpdatedRecords: []audit.Ref{},
	}
}

func (r *SyncResult) addTable(table string) {
	for _, t := range r.SyncedTables {
		if t == table {
			return
		}
	}
	r.SyncedTables = append(r.SyncedTables, table)
}

// Orchestrator executes sync rules for form events.
//
// One Orchestrator is owned per tenant session; listeners and the status
// queue live on the instance. With a tenant set, runs, retries and audit
// reads are confined to it. SyncFormData is safe for concurrent use.
type Orchestrator struct {
	tenant   string
	registry *registry.Registry
	records  RecordStore
	audit    audit.Log
	firings  audit.FiringLog
	mapper   *mapper.Mapper
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	ids      IDGenerator
	metrics  *Metrics

	mu        sync.RWMutex
	listeners map[string]map[uint64]Listener
	nextID    uint64
	statuses  map[string]SyncStatus
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTenant confines the orchestrator to tenantID. Runs without a tenant
// get it; runs, retries and history of other tenants are rejected.
func WithTenant(tenantID string) Option {
	return func(o *Orchestrator) {
		o.tenant = tenantID
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock sets the wall clock used for sync dates.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator sets the sync id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithNotifier sets the sink for notify actions. Default: LogNotifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithFiringLog enables idempotent create actions across retries.
func WithFiringLog(f audit.FiringLog) Option {
	return func(o *Orchestrator) {
		o.firings = f
	}
}

// WithMapper sets the field mapper. Default: mapper.New(nil).
func WithMapper(m *mapper.Mapper) Option {
	return func(o *Orchestrator) {
		o.mapper = m
	}
}

// WithMetrics records run and action metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator over reg, writing rows to records and audit
// entries to log.
func New(reg *registry.Registry, records RecordStore, log audit.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		records:   records,
		audit:     log,
		now:       time.Now,
		ids:       UUIDv7Generator{},
		listeners: make(map[string]map[uint64]Listener),
		statuses:  make(map[string]SyncStatus),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.mapper == nil {
		o.mapper = mapper.New(nil)
	}
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{Logger: o.logger}
	}
	return o
}

// SyncFormData runs every rule of sc.FormID registered for event.
//
// Required fields are validated first; on failure a *ValidationError is
// returned and nothing is written. Otherwise each rule whose conditions
// hold executes its actions in order. Action failures are collected in the
// result and never stop later actions or rules. The run is appended to the
// audit log with status success or failed.
func (o *Orchestrator) SyncFormData(ctx context.Context, sc SyncContext, event registry.Event) (*SyncResult, error) {
	if o.tenant != "" {
		if sc.TenantID == "" {
			sc.TenantID = o.tenant
		}
		if sc.TenantID != o.tenant {
			return nil, fmt.Errorf("sync %s for tenant %s: %w", sc.FormID, sc.TenantID, ErrTenantMismatch)
		}
	}
	syncID := o.ids.Generate()
	return o.run(ctx, syncID, syncID, sc, event)
}

// run executes one sync. origin is the sync id that keys create
// idempotency: the run's own id, or the first failed run when retrying.
func (o *Orchestrator) run(ctx context.Context, syncID, origin string, sc SyncContext, event registry.Event) (*SyncResult, error) {
	start := o.now()
	if sc.Data == nil {
		sc.Data = record.New()
	}

	logger := o.logger.With("sync_id", syncID, "form_id", sc.FormID, "tenant_id", sc.TenantID)

	status := SyncStatus{ID: syncID, FormID: sc.FormID, SyncDate: start, Status: StatusPending}
	o.publishStatus(status)
	defer o.forgetStatus(syncID)

	status.Status = StatusInProgress
	o.publishStatus(status)

	validation := o.registry.ValidateRequiredFields(sc.FormID, sc.Data)
	if !validation.IsValid {
		err := &ValidationError{FormID: sc.FormID, MissingFields: validation.MissingFields}
		status.Status = StatusFailed
		status.ErrorMessage = err.Error()
		o.publishStatus(status)
		o.metrics.observeSync(sc.FormID, StatusFailed, o.now().Sub(start).Seconds())
		logger.Warn("sync rejected", "event", event, "missing_fields", validation.MissingFields)
		return nil, err
	}

	rules := o.registry.SyncRules(sc.FormID, event)
	logger.Info("sync started", "event", event, "rules", len(rules))

	result := newResult(syncID)
	writeCtx := changefeed.WithOrigin(ctx, syncID)
	for _, rule := range rules {
		if !condition.Evaluate(rule.Conditions, sc.Data) {
			logger.Debug("rule skipped: conditions not met", "rule_id", rule.ID)
			continue
		}
		logger.Debug("rule matched", "rule_id", rule.ID, "actions", len(rule.Actions))

		for i, action := range rule.Actions {
			err := o.executeAction(writeCtx, actionRun{
				syncID: syncID,
				origin: origin,
				rule:   rule,
				index:  i,
				action: action,
				sc:     sc,
			}, result)
			if err != nil {
				result.Errors = append(result.Errors, ruleMessage(rule, err))
				o.metrics.observeActionError(string(action.Type))
				logger.Error("sync action failed",
					"rule_id", rule.ID,
					"action_index", i,
					"action", action.Type,
					"table", action.TargetTable,
					"error", err,
				)
			}
		}
	}
	result.Success = len(result.Errors) == 0

	status.Status = StatusCompleted
	if !result.Success {
		status.Status = StatusFailed
	}
	status.Details = result
	o.publishStatus(status)

	o.appendAudit(ctx, logger, syncID, origin, sc, event, result)
	o.metrics.observeSync(sc.FormID, status.Status, o.now().Sub(start).Seconds())

	logger.Info("sync finished",
		"status", status.Status,
		"synced_tables", result.SyncedTables,
		"errors", len(result.Errors),
	)
	return result, nil
}

// appendAudit writes the run to the audit log. Failures are logged only.
func (o *Orchestrator) appendAudit(ctx context.Context, logger *slog.Logger, syncID, origin string, sc SyncContext, event registry.Event, result *SyncResult) {
	if o.audit == nil {
		return
	}

	entry := audit.Entry{
		ID:             syncID,
		FormID:         sc.FormID,
		TenantID:       sc.TenantID,
		UserID:         sc.UserID,
		Event:          string(event),
		SyncDate:       o.now(),
		Status:         audit.StatusSuccess,
		SyncedTables:   result.SyncedTables,
		CreatedRecords: result.CreatedRecords,
		UpdatedRecords: result.UpdatedRecords,
		Errors:         result.Errors,
		OriginalData:   sc.Data,
		Metadata:       maps.Clone(sc.Metadata),
	}
	if !result.Success {
		entry.Status = audit.StatusFailed
	}
	if origin != syncID {
		entry.RetryOf = origin
	}
	if hash, err := record.PayloadHash(sc.Data); err == nil {
		entry.PayloadHash = hash
	} else {
		logger.Warn("payload hash failed", "error", err)
	}

	if err := o.audit.Append(ctx, entry); err != nil {
		logger.Error("audit log append failed", "error", fmt.Errorf("append %s: %w", syncID, err))
	}
}
