// Package dispatcher re-enters the orchestrator for row changes made
// outside the form flow.
//
// A Dispatcher is owned by one tenant session. Start opens one change-feed
// subscription per watched table; Stop closes them all and must be called
// on tenant switch or logout.
//
// Each table has a reader goroutine that moves changes from the stream
// into an unbounded FIFO queue, and a worker goroutine that drains the
// queue, so one table's changes are handled in receipt order while tables
// proceed concurrently. A global semaphore bounds concurrent orchestrator
// runs and an optional rate limiter bounds their rate.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/registry"
)

// SystemUser is the user id of change-triggered runs.
const SystemUser = "system"

// Metadata keys set on change-triggered runs.
const (
	MetadataTriggerTable = "trigger_table"
	MetadataTriggerEvent = "trigger_event"
	MetadataTimestamp    = "timestamp"
)

// DefaultMaxConcurrent bounds concurrent orchestrator runs across tables.
const DefaultMaxConcurrent = 4

var (
	// ErrStarted is returned by Start on a running dispatcher.
	ErrStarted = errors.New("dispatcher already started")

	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("dispatcher not started")

	// ErrUnknownTable is returned when pausing or resuming a table no form
	// watches.
	ErrUnknownTable = errors.New("table not watched")
)

// Syncer runs sync rules. Implemented by *orchestrator.Orchestrator.
type Syncer interface {
	SyncFormData(ctx context.Context, sc orchestrator.SyncContext, event registry.Event) (*orchestrator.SyncResult, error)
}

// Observer receives raw changes on a form's primary table. Observers run
// on the table's worker and must not call Stop, PauseTableSync or
// ResumeTableSync directly; those wait for the worker. Call them from a
// new goroutine instead.
type Observer func(changefeed.Change)

// Dispatcher maps row changes back to forms and invokes the orchestrator.
type Dispatcher struct {
	registry *registry.Registry
	feed     changefeed.Subscriber
	syncer   Syncer
	tenantID string

	logger       *slog.Logger
	now          func() time.Time
	limiter      *rate.Limiter
	sem          chan struct{}
	metrics      *Metrics
	engineWrites bool

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	mappings map[string][]TableMapping
	tables   map[string]*tableSub

	obsMu     sync.Mutex
	observers map[string]map[uint64]Observer
	nextObs   uint64
}

// tableSub is the live subscription of one table. Its worker reads only
// the fields fixed at subscribe time, so closing a tableSub under d.mu
// never waits on d.mu.
type tableSub struct {
	table    string
	mappings []TableMapping
	runCtx   context.Context

	// waitCtx ends when the subscription closes and bounds time spent
	// waiting on the limiter or the semaphore.
	waitCtx context.Context
	stop    context.CancelFunc

	stream *changefeed.Stream
	queue  *changeQueue
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithClock sets the clock used for the timestamp metadata of changes
// that carry none.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithMaxConcurrent bounds concurrent orchestrator runs. Default:
// DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithRateLimit limits orchestrator runs to r per second with the given
// burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(r, burst)
	}
}

// WithMetrics records change metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithEngineWrites dispatches changes written by the orchestrator itself.
// By default such changes (Change.Origin set) are dropped so a rule's
// writes do not re-trigger rules.
func WithEngineWrites(enabled bool) Option {
	return func(d *Dispatcher) {
		d.engineWrites = enabled
	}
}

// New creates a stopped Dispatcher for tenantID.
func New(reg *registry.Registry, feed changefeed.Subscriber, syncer Syncer, tenantID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		feed:      feed,
		syncer:    syncer,
		tenantID:  tenantID,
		now:       time.Now,
		sem:       make(chan struct{}, DefaultMaxConcurrent),
		observers: make(map[string]map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("tenant_id", tenantID)
	return d
}

// TenantID returns the tenant the dispatcher is scoped to.
func (d *Dispatcher) TenantID() string {
	return d.tenantID
}

// Start builds the table mappings and subscribes to every watched table.
// Orchestrator runs use ctx; cancelling it ends the subscriptions.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrStarted
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mappings = BuildTableMappings(d.registry)
	d.tables = make(map[string]*tableSub, len(d.mappings))

	for _, table := range slices.Sorted(maps.Keys(d.mappings)) {
		if err := d.subscribeLocked(table); err != nil {
			d.stopLocked()
			return fmt.Errorf("start dispatcher: %w", err)
		}
	}
	d.started = true

	d.logger.Info("dispatcher started", "tables", len(d.tables))
	return nil
}

// Stop closes every subscription, waits for the table workers and resets
// the dispatcher to its initial state. Observers are removed. Runs already
// in flight complete. Safe to call on a stopped dispatcher.
//
// Stop must not be called from an Observer or from an orchestrator status
// listener of a change-triggered run: it would wait for its own worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return
	}
	d.stopLocked()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) stopLocked() {
	for _, sub := range d.tables {
		sub.close()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.started = false
	d.ctx, d.cancel = nil, nil
	d.mappings = nil
	d.tables = nil

	d.obsMu.Lock()
	d.observers = make(map[string]map[uint64]Observer)
	d.obsMu.Unlock()
}

// PauseTableSync closes the subscription of table. Changes to table made
// while paused are never dispatched. Queued changes are discarded; a run
// in flight completes before PauseTableSync returns, so the same calling
// restrictions as Stop apply.
func (d *Dispatcher) PauseTableSync(table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return ErrNotStarted
	}
	if _, ok := d.mappings[table]; !ok {
		return fmt.Errorf("pause %s: %w", table, ErrUnknownTable)
	}

	sub := d.tables[table]
	if sub == nil {
		return nil
	}
	sub.close()
	delete(d.tables, table)
	d.logger.Info("table sync paused", "table", table)
	return nil
}

// ResumeTableSync re-subscribes a paused table. Resuming an active table
// is a no-op.
func (d *Dispatcher) ResumeTableSync(table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return ErrNotStarted
	}
	if _, ok := d.mappings[table]; !ok {
		return fmt.Errorf("resume %s: %w", table, ErrUnknownTable)
	}
	if d.tables[table] != nil {
		return nil
	}
	if err := d.subscribeLocked(table); err != nil {
		return fmt.Errorf("resume %s: %w", table, err)
	}
	d.logger.Info("table sync resumed", "table", table)
	return nil
}

// ActiveSubscriptions reports each watched table and whether its
// subscription is open. Empty when stopped.
func (d *Dispatcher) ActiveSubscriptions() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool, len(d.mappings))
	for table := range d.mappings {
		out[table] = d.tables[table] != nil
	}
	return out
}

// TableMappings returns the table mappings built by Start.
func (d *Dispatcher) TableMappings() map[string][]TableMapping {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]TableMapping, len(d.mappings))
	for table, ms := range d.mappings {
		out[table] = slices.Clone(ms)
	}
	return out
}

// ObserveForm registers fn for every change on formID's primary table,
// whether or not it triggers a sync. The returned function removes fn.
func (d *Dispatcher) ObserveForm(formID string, fn Observer) (func(), error) {
	form, ok := d.registry.FormSchema(formID)
	if !ok {
		return nil, fmt.Errorf("observe %s: unknown form", formID)
	}
	table := form.PrimaryTable

	d.obsMu.Lock()
	defer d.obsMu.Unlock()

	d.nextObs++
	id := d.nextObs
	if d.observers[table] == nil {
		d.observers[table] = make(map[uint64]Observer)
	}
	d.observers[table][id] = fn

	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers[table], id)
	}, nil
}

// subscribeLocked opens table's stream and starts its reader and worker.
func (d *Dispatcher) subscribeLocked(table string) error {
	stream, err := d.feed.Subscribe(d.ctx, table, d.tenantID, subscribedTypes(d.mappings[table]))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", table, err)
	}

	waitCtx, stop := context.WithCancel(d.ctx)
	sub := &tableSub{
		table:    table,
		mappings: d.mappings[table],
		runCtx:   d.ctx,
		waitCtx:  waitCtx,
		stop:     stop,
		stream:   stream,
		queue:    newChangeQueue(),
		quit:     make(chan struct{}),
	}
	sub.wg.Add(2)
	go d.read(sub)
	go d.work(sub)

	d.tables[table] = sub
	return nil
}

// close stops the reader and worker and waits for them.
func (s *tableSub) close() {
	close(s.quit)
	s.stop()
	s.stream.Close()
	s.queue.Close()
	s.wg.Wait()
}

// read moves changes from the stream into the queue.
func (d *Dispatcher) read(sub *tableSub) {
	defer sub.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case c, ok := <-sub.stream.C:
			if !ok {
				return
			}
			d.metrics.incReceived(sub.table)
			sub.queue.Enqueue(c)
		}
	}
}

// work drains the queue in FIFO order.
func (d *Dispatcher) work(sub *tableSub) {
	defer sub.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		default:
		}

		c, ok := sub.queue.TryDequeue()
		if ok {
			d.handle(sub, c)
			continue
		}

		select {
		case <-sub.quit:
			return
		case <-sub.queue.Wait():
		}
	}
}

// handle notifies observers and invokes the orchestrator for every form
// interested in the change.
func (d *Dispatcher) handle(sub *tableSub, c changefeed.Change) {
	table := sub.table
	for _, fn := range d.observersOf(table) {
		d.observe(fn, c)
	}

	if c.Origin != "" && !d.engineWrites {
		d.metrics.incDropped(table, DropEngineWrite)
		d.logger.Debug("engine write skipped", "table", table, "type", c.Type, "origin", c.Origin)
		return
	}
	row := c.Row()
	if row == nil {
		return
	}
	at := c.At
	if at.IsZero() {
		at = d.now()
	}

	for _, m := range sub.mappings {
		if !m.Wants(c.Type) {
			continue
		}
		sc := orchestrator.SyncContext{
			FormID:   m.FormID,
			TenantID: d.tenantID,
			UserID:   SystemUser,
			Data:     row.Clone(),
			Metadata: map[string]string{
				MetadataTriggerTable: table,
				MetadataTriggerEvent: string(c.Type),
				MetadataTimestamp:    at.UTC().Format(time.RFC3339Nano),
			},
		}
		d.dispatch(sub, sc, formEvent(c.Type))
	}
}

// observersOf returns table's observers in registration order.
func (d *Dispatcher) observersOf(table string) []Observer {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()

	byID := d.observers[table]
	out := make([]Observer, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	return out
}

// dispatch runs one orchestrator invocation under the concurrency and
// rate limits.
func (d *Dispatcher) dispatch(sub *tableSub, sc orchestrator.SyncContext, event registry.Event) {
	table := sub.table
	if d.limiter != nil {
		if err := d.limiter.Wait(sub.waitCtx); err != nil {
			d.logger.Debug("change dispatch cancelled", "table", table, "form_id", sc.FormID, "error", err)
			return
		}
	}
	select {
	case d.sem <- struct{}{}:
	case <-sub.waitCtx.Done():
		return
	}
	defer func() { <-d.sem }()

	d.metrics.incDispatched(table, sc.FormID)
	ctx := sub.runCtx
	result, err := d.syncer.SyncFormData(ctx, sc, event)
	switch {
	case err != nil:
		d.metrics.incFailed(table, sc.FormID)
		level := slog.LevelError
		if orchestrator.IsValidationError(err) {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "change-triggered sync failed",
			"table", table, "form_id", sc.FormID, "event", event, "error", err)
	case !result.Success:
		d.logger.Warn("change-triggered sync finished with errors",
			"table", table, "form_id", sc.FormID, "sync_id", result.SyncID, "errors", result.Errors)
	default:
		d.logger.Debug("change-triggered sync completed",
			"table", table, "form_id", sc.FormID, "sync_id", result.SyncID)
	}
}

func (d *Dispatcher) observe(fn Observer, c changefeed.Change) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("form observer panicked", "table", c.Table, "error", fmt.Sprint(r))
		}
	}()
	fn(c)
}
