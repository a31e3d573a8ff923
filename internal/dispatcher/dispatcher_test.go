package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/transform"
)

var testEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type call struct {
	sc    orchestrator.SyncContext
	event registry.Event
}

// fakeSyncer records invocations. block, when set, holds every run until
// it is closed.
type fakeSyncer struct {
	mu    sync.Mutex
	calls []call
	err   error
	block chan struct{}
}

func (f *fakeSyncer) SyncFormData(_ context.Context, sc orchestrator.SyncContext, event registry.Event) (*orchestrator.SyncResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sc: sc, event: event})
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.SyncResult{SyncID: "sync-test", Success: true}, nil
}

func (f *fakeSyncer) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func jobForms() []registry.FormSchema {
	return []registry.FormSchema{
		{FormID: "job-creation", Name: "Job", PrimaryTable: "jobs", AssociatedTables: []string{"invoices", "payments"}},
		{FormID: "invoice-creation", Name: "Invoice", PrimaryTable: "invoices", AssociatedTables: []string{"jobs"}},
		{FormID: "job-board", Name: "Job Board", PrimaryTable: "jobs"},
	}
}

func testRegistry(t *testing.T, forms ...registry.FormSchema) *registry.Registry {
	t.Helper()
	reg, err := registry.New(forms)
	require.NoError(t, err)
	return reg
}

func startDispatcher(t *testing.T, hub *changefeed.Hub, syncer Syncer, opts ...Option) *Dispatcher {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(func() time.Time { return testEpoch }),
	}
	d := New(testRegistry(t, jobForms()...), hub, syncer, "t1", append(base, opts...)...)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func insertChange(table string, pairs ...record.Pair) changefeed.Change {
	return changefeed.Change{
		Table:    table,
		Type:     changefeed.Insert,
		TenantID: "t1",
		New:      record.New(pairs...),
		At:       testEpoch,
	}
}

func TestBuildTableMappings(t *testing.T) {
	reg := testRegistry(t, jobForms()...)

	got := BuildTableMappings(reg)

	all := []changefeed.Type{changefeed.Insert, changefeed.Update, changefeed.Delete}
	upd := []changefeed.Type{changefeed.Update}
	assert.Equal(t, map[string][]TableMapping{
		"jobs": {
			{FormID: "job-creation", Types: all},
			{FormID: "invoice-creation", Types: upd},
			{FormID: "job-board", Types: all},
		},
		"invoices": {
			{FormID: "job-creation", Types: upd},
			{FormID: "invoice-creation", Types: all},
		},
		"payments": {
			{FormID: "job-creation", Types: upd},
		},
	}, got)

	assert.Equal(t, upd, subscribedTypes(got["payments"]))
	assert.Equal(t, all, subscribedTypes(got["jobs"]))
}

func TestBuildTableMappingsDefaultForms(t *testing.T) {
	reg, err := registry.LoadDefault(transform.NewRegistry())
	require.NoError(t, err)

	got := BuildTableMappings(reg)

	require.Contains(t, got, "leads")
	var primary []string
	for _, m := range got["leads"] {
		if m.Wants(changefeed.Insert) {
			primary = append(primary, m.FormID)
		}
	}
	assert.Equal(t, []string{"lead-creation", "site-visit-scheduling"}, primary)
}

func TestInsertTriggersCreate(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	d := startDispatcher(t, hub, syncer)

	assert.Equal(t, map[string]bool{"jobs": true, "invoices": true, "payments": true}, d.ActiveSubscriptions())

	row := record.New(record.P("id", record.String("I1")), record.P("status", record.String("draft")))
	hub.Publish(changefeed.Change{Table: "invoices", Type: changefeed.Insert, TenantID: "t1", New: row, At: testEpoch})

	require.Eventually(t, func() bool { return len(syncer.Calls()) == 1 }, waitFor, 5*time.Millisecond)
	// Give a duplicate dispatch the chance to show up.
	time.Sleep(20 * time.Millisecond)

	calls := syncer.Calls()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, registry.EventCreate, got.event)
	assert.Equal(t, "invoice-creation", got.sc.FormID)
	assert.Equal(t, "t1", got.sc.TenantID)
	assert.Equal(t, SystemUser, got.sc.UserID)
	assert.True(t, record.Equal(row, got.sc.Data))
	assert.NotSame(t, row, got.sc.Data)
	assert.Equal(t, map[string]string{
		MetadataTriggerTable: "invoices",
		MetadataTriggerEvent: "INSERT",
		MetadataTimestamp:    "2026-04-01T09:00:00Z",
	}, got.sc.Metadata)
}

func TestUpdateFansOutToEveryInterestedForm(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer)

	hub.Publish(changefeed.Change{
		Table:    "jobs",
		Type:     changefeed.Update,
		TenantID: "t1",
		Old:      record.New(record.P("id", record.String("J1")), record.P("status", record.String("open"))),
		New:      record.New(record.P("id", record.String("J1")), record.P("status", record.String("done"))),
	})

	require.Eventually(t, func() bool { return len(syncer.Calls()) == 3 }, waitFor, 5*time.Millisecond)

	var forms []string
	for _, c := range syncer.Calls() {
		forms = append(forms, c.sc.FormID)
		assert.Equal(t, registry.EventUpdate, c.event)
		assert.Equal(t, record.String("done"), c.sc.Data.Value("status"))
	}
	assert.Equal(t, []string{"job-creation", "invoice-creation", "job-board"}, forms)
}

func TestAssociatedTableIgnoresInsert(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer)

	assert.Zero(t, hub.Publish(insertChange("payments", record.P("id", record.String("P1")))))
	assert.Empty(t, syncer.Calls())
}

func TestDeleteUsesOldRow(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer)

	hub.Publish(changefeed.Change{
		Table:    "invoices",
		Type:     changefeed.Delete,
		TenantID: "t1",
		Old:      record.New(record.P("id", record.String("I9"))),
	})

	require.Eventually(t, func() bool { return len(syncer.Calls()) == 1 }, waitFor, 5*time.Millisecond)
	c := syncer.Calls()[0]
	assert.Equal(t, registry.EventDelete, c.event)
	assert.Equal(t, "I9", c.sc.Data.ID())
}

func TestOtherTenantNotDispatched(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer)

	c := insertChange("jobs", record.P("id", record.String("J1")))
	c.TenantID = "t2"
	assert.Zero(t, hub.Publish(c))
}

func TestChangesOnOneTableRunInOrder(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer, WithMaxConcurrent(8))

	ids := []string{"I1", "I2", "I3", "I4", "I5"}
	for _, id := range ids {
		hub.Publish(insertChange("invoices", record.P("id", record.String(id))))
	}

	require.Eventually(t, func() bool { return len(syncer.Calls()) == len(ids) }, waitFor, 5*time.Millisecond)
	var got []string
	for _, c := range syncer.Calls() {
		got = append(got, c.sc.Data.ID())
	}
	assert.Equal(t, ids, got)
}

func TestPauseAndResume(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	d := startDispatcher(t, hub, syncer)

	require.NoError(t, d.PauseTableSync("invoices"))
	assert.Equal(t, map[string]bool{"jobs": true, "invoices": false, "payments": true}, d.ActiveSubscriptions())

	assert.Zero(t, hub.Publish(insertChange("invoices", record.P("id", record.String("I1")))))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, syncer.Calls())

	// Pausing twice is harmless.
	require.NoError(t, d.PauseTableSync("invoices"))

	require.NoError(t, d.ResumeTableSync("invoices"))
	require.NoError(t, d.ResumeTableSync("invoices"))
	assert.True(t, d.ActiveSubscriptions()["invoices"])

	hub.Publish(insertChange("invoices", record.P("id", record.String("I2"))))
	require.Eventually(t, func() bool { return len(syncer.Calls()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "I2", syncer.Calls()[0].sc.Data.ID(), "change made while paused is never dispatched")
}

func TestPauseUnknownTable(t *testing.T) {
	d := startDispatcher(t, changefeed.NewHub(), &fakeSyncer{})

	assert.ErrorIs(t, d.PauseTableSync("widgets"), ErrUnknownTable)
	assert.ErrorIs(t, d.ResumeTableSync("widgets"), ErrUnknownTable)
}

func TestPauseWaitsForRunInFlight(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{block: make(chan struct{})}
	d := startDispatcher(t, hub, syncer)

	hub.Publish(insertChange("invoices", record.P("id", record.String("I1"))))

	paused := make(chan struct{})
	go func() {
		assert.NoError(t, d.PauseTableSync("invoices"))
		close(paused)
	}()

	select {
	case <-paused:
		// The worker may not have picked the change up yet; either way no
		// run must be left half done.
	case <-time.After(50 * time.Millisecond):
		close(syncer.block)
		<-paused
		assert.Len(t, syncer.Calls(), 1)
		return
	}
	close(syncer.block)
}

func TestObserverPausesItsTableFromGoroutine(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	d := startDispatcher(t, hub, syncer)

	paused := make(chan error, 1)
	var once sync.Once
	_, err := d.ObserveForm("invoice-creation", func(c changefeed.Change) {
		once.Do(func() {
			go func() { paused <- d.PauseTableSync("invoices") }()
		})
	})
	require.NoError(t, err)

	hub.Publish(insertChange("invoices", record.P("id", record.String("I1"))))

	select {
	case err := <-paused:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("pause from an observer did not complete")
	}
	assert.False(t, d.ActiveSubscriptions()["invoices"])
	assert.Zero(t, hub.Publish(insertChange("invoices", record.P("id", record.String("I2")))))
}

func TestStartTwice(t *testing.T) {
	d := startDispatcher(t, changefeed.NewHub(), &fakeSyncer{})
	assert.ErrorIs(t, d.Start(context.Background()), ErrStarted)
}

func TestStopClosesEverything(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	d := New(testRegistry(t, jobForms()...), hub, syncer, "t1", WithLogger(slog.New(slog.DiscardHandler)))

	assert.ErrorIs(t, d.PauseTableSync("jobs"), ErrNotStarted)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, 3, hub.Subscriptions())

	d.Stop()
	d.Stop()

	assert.Zero(t, hub.Subscriptions())
	assert.Empty(t, d.ActiveSubscriptions())
	assert.Zero(t, hub.Publish(insertChange("jobs", record.P("id", record.String("J1")))))

	// A stopped dispatcher can start again.
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, 3, hub.Subscriptions())
	d.Stop()
}

func TestContextCancelEndsSubscriptions(t *testing.T) {
	hub := changefeed.NewHub()
	d := New(testRegistry(t, jobForms()...), hub, &fakeSyncer{}, "t1", WithLogger(slog.New(slog.DiscardHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return hub.Subscriptions() == 0 }, waitFor, 5*time.Millisecond)
	d.Stop()
}

func TestEngineWritesSkipped(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	m := NewMetrics(prometheus.NewRegistry())
	startDispatcher(t, hub, syncer, WithMetrics(m))

	c := insertChange("jobs", record.P("id", record.String("J1")))
	c.Origin = "sync-1"
	hub.Publish(c)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.dropped.WithLabelValues("jobs", DropEngineWrite)) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, syncer.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.received.WithLabelValues("jobs")))
}

func TestEngineWritesEnabled(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer, WithEngineWrites(true))

	c := insertChange("invoices", record.P("id", record.String("I1")))
	c.Origin = "sync-1"
	hub.Publish(c)

	require.Eventually(t, func() bool { return len(syncer.Calls()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestSyncErrorsCounted(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{err: errors.New("boom")}
	m := NewMetrics(prometheus.NewRegistry())
	startDispatcher(t, hub, syncer, WithMetrics(m))

	hub.Publish(insertChange("invoices", record.P("id", record.String("I1"))))
	hub.Publish(insertChange("invoices", record.P("id", record.String("I2"))))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.failed.WithLabelValues("invoices", "invoice-creation")) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("invoices", "invoice-creation")))
}

func TestHubDropHook(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	hub := changefeed.NewHub(changefeed.WithBuffer(1), changefeed.WithDropHook(m.HubDropHook()))

	stream, err := hub.Subscribe(context.Background(), "jobs", "t1", nil)
	require.NoError(t, err)
	defer stream.Close()

	hub.Publish(insertChange("jobs"))
	hub.Publish(insertChange("jobs"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("jobs", DropOverflow)))
}

func TestObserveForm(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	d := startDispatcher(t, hub, syncer)

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe, err := d.ObserveForm("job-board", func(c changefeed.Change) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c.Row().ID())
	})
	require.NoError(t, err)

	_, err = d.ObserveForm("missing", func(changefeed.Change) {})
	assert.Error(t, err)

	// A panicking observer does not stop dispatch.
	_, err = d.ObserveForm("job-creation", func(changefeed.Change) { panic("observer") })
	require.NoError(t, err)

	hub.Publish(insertChange("jobs", record.P("id", record.String("J1"))))
	require.Eventually(t, func() bool { return len(syncer.Calls()) == 2 }, waitFor, 5*time.Millisecond)

	unsubscribe()
	hub.Publish(insertChange("jobs", record.P("id", record.String("J2"))))
	require.Eventually(t, func() bool { return len(syncer.Calls()) == 4 }, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"J1"}, got)
}

func TestRateLimitedDispatch(t *testing.T) {
	hub := changefeed.NewHub()
	syncer := &fakeSyncer{}
	startDispatcher(t, hub, syncer, WithRateLimit(1000, 1), WithMaxConcurrent(1))

	for range 3 {
		hub.Publish(insertChange("invoices", record.P("id", record.String("I"))))
	}
	require.Eventually(t, func() bool { return len(syncer.Calls()) == 3 }, waitFor, 5*time.Millisecond)
}

// An outside insert into leads runs the lead form's create rule through a
// real orchestrator, and the contact it writes is not fed back.
func TestStoreWriteReentersOrchestrator(t *testing.T) {
	reg, err := registry.LoadDefault(transform.NewRegistry())
	require.NoError(t, err)

	hub := changefeed.NewHub()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithHub(hub),
		store.WithClock(func() time.Time { return testEpoch }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.New(reg, st, st.AuditLog(),
		orchestrator.WithLogger(slog.New(slog.DiscardHandler)),
		orchestrator.WithFiringLog(st),
	)
	m := NewMetrics(prometheus.NewRegistry())
	d := New(reg, hub, orch, "t1", WithLogger(slog.New(slog.DiscardHandler)), WithMetrics(m))
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	ctx := context.Background()
	_, err = st.Insert(ctx, "leads", "t1", record.New(
		record.P("name", record.String("Jane Roe")),
		record.P("phone_number", record.String("555-010-2020")),
	))
	require.NoError(t, err)

	contacts := func() []*record.Record {
		rows, err := st.Select(ctx, query.Select{Table: "contacts", TenantID: "t1"})
		require.NoError(t, err)
		return rows
	}
	require.Eventually(t, func() bool { return len(contacts()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, record.String("Jane Roe"), contacts()[0].Value("name"))

	history, err := orch.SyncHistory(ctx, "lead-creation", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, SystemUser, history[0].UserID)
	assert.Equal(t, "leads", history[0].Metadata[MetadataTriggerTable])
}
