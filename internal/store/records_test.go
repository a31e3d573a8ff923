package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
)

func subscribe(t *testing.T, hub *changefeed.Hub, table, tenant string) *changefeed.Stream {
	t.Helper()
	s, err := hub.Subscribe(context.Background(), table, tenant, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func next(t *testing.T, s *changefeed.Stream) changefeed.Change {
	t.Helper()
	select {
	case c := <-s.C:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change published")
		return changefeed.Change{}
	}
}

func TestInsertGeneratesIDAndTenant(t *testing.T) {
	s, hub, _ := createHubStore(t)
	ctx := context.Background()
	feed := subscribe(t, hub, "contacts", "t1")

	id, err := s.Insert(ctx, "contacts", "t1", record.New(
		record.P("name", record.String("Jane Roe")),
		record.P("tenant_id", record.String("spoofed")),
	))
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	row, err := s.Get(ctx, "contacts", "t1", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "tenant_id"}, row.Keys())
	assert.Equal(t, record.String("t1"), row.Value("tenant_id"))

	c := next(t, feed)
	assert.Equal(t, changefeed.Insert, c.Type)
	assert.Equal(t, "id-1", c.New.ID())
	assert.Nil(t, c.Old)
	assert.Equal(t, testEpoch, c.At)
	assert.Empty(t, c.Origin)
}

func TestInsertKeepsProvidedIDAndRejectsDuplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, "jobs", "t1", record.New(record.P("id", record.String("J1"))))
	require.NoError(t, err)
	assert.Equal(t, "J1", id)

	_, err = s.Insert(ctx, "jobs", "t1", record.New(record.P("id", record.String("J1"))))
	assert.Error(t, err)

	// Same id under another tenant is a different row.
	_, err = s.Insert(ctx, "jobs", "t2", record.New(record.P("id", record.String("J1"))))
	assert.NoError(t, err)
}

func TestInsertTagsOrigin(t *testing.T) {
	s, hub, _ := createHubStore(t)
	feed := subscribe(t, hub, "jobs", "t1")

	ctx := changefeed.WithOrigin(context.Background(), "sync-9")
	_, err := s.Insert(ctx, "jobs", "t1", record.New())
	require.NoError(t, err)
	assert.Equal(t, "sync-9", next(t, feed).Origin)
}

func TestUpdateMergesAndFiltersByTenant(t *testing.T) {
	s, hub, _ := createHubStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "jobs", "t1", record.New(
		record.P("id", record.String("J1")),
		record.P("title", record.String("Roof")),
		record.P("status", record.String("scheduled")),
	))
	require.NoError(t, err)
	feed := subscribe(t, hub, "jobs", "t1")

	err = s.Update(ctx, "jobs", "t1", "J1", record.New(
		record.P("id", record.String("other")),
		record.P("status", record.String("invoiced")),
		record.P("tenant_id", record.String("t2")),
	))
	require.NoError(t, err)

	row, err := s.Get(ctx, "jobs", "t1", "J1")
	require.NoError(t, err)
	assert.Equal(t, record.String("invoiced"), row.Value("status"))
	assert.Equal(t, record.String("Roof"), row.Value("title"))
	assert.Equal(t, "J1", row.ID())
	assert.Equal(t, record.String("t1"), row.Value("tenant_id"))

	c := next(t, feed)
	assert.Equal(t, changefeed.Update, c.Type)
	assert.Equal(t, record.String("scheduled"), c.Old.Value("status"))
	assert.Equal(t, record.String("invoiced"), c.New.Value("status"))

	err = s.Update(ctx, "jobs", "t2", "J1", record.New(record.P("status", record.String("x"))))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert(t *testing.T) {
	s, hub, _ := createHubStore(t)
	ctx := context.Background()
	feed := subscribe(t, hub, "calendar_events", "t1")

	id, err := s.Upsert(ctx, "calendar_events", "t1", record.New(
		record.P("id", record.String("L1")),
		record.P("title", record.String("Visit")),
	))
	require.NoError(t, err)
	assert.Equal(t, "L1", id)
	assert.Equal(t, changefeed.Insert, next(t, feed).Type)

	_, err = s.Upsert(ctx, "calendar_events", "t1", record.New(
		record.P("id", record.String("L1")),
		record.P("start_time", record.String("2026-05-01T10:00:00Z")),
	))
	require.NoError(t, err)
	assert.Equal(t, changefeed.Update, next(t, feed).Type)

	row, err := s.Get(ctx, "calendar_events", "t1", "L1")
	require.NoError(t, err)
	assert.Equal(t, record.String("Visit"), row.Value("title"))
	assert.Equal(t, record.String("2026-05-01T10:00:00Z"), row.Value("start_time"))

	// No id: plain insert with a generated id.
	id, err = s.Upsert(ctx, "calendar_events", "t1", record.New(record.P("title", record.String("Other"))))
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
}

func TestConcurrentWritesKeepEveryField(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				field := fmt.Sprintf("w%d_%d", w, i)
				var err error
				if i%2 == 0 {
					_, err = s.Upsert(ctx, "jobs", "t1", record.New(
						record.P("id", record.String("J1")),
						record.P(field, record.Int(int64(i))),
					))
				} else {
					// The row exists after the writer's first upsert.
					err = s.Update(ctx, "jobs", "t1", "J1", record.New(record.P(field, record.Int(int64(i)))))
				}
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	row, err := s.Get(ctx, "jobs", "t1", "J1")
	require.NoError(t, err)
	for w := range writers {
		for i := range perWriter {
			assert.True(t, row.Has(fmt.Sprintf("w%d_%d", w, i)), "w%d_%d lost", w, i)
		}
	}
	assert.Equal(t, 2+writers*perWriter, row.Len())
}

func TestDelete(t *testing.T) {
	s, hub, _ := createHubStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "leads", "t1", record.New(record.P("id", record.String("L1"))))
	require.NoError(t, err)
	feed := subscribe(t, hub, "leads", "t1")

	assert.ErrorIs(t, s.Delete(ctx, "leads", "t2", "L1"), ErrNotFound)
	require.NoError(t, s.Delete(ctx, "leads", "t1", "L1"))

	c := next(t, feed)
	assert.Equal(t, changefeed.Delete, c.Type)
	assert.Equal(t, "L1", c.Old.ID())
	assert.Nil(t, c.New)

	_, err = s.Get(ctx, "leads", "t1", "L1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelect(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, row := range []struct {
		tenant, id, estimate string
	}{
		{"t1", "J1", "E1"},
		{"t1", "J2", "E2"},
		{"t1", "J3", "E1"},
		{"t2", "J4", "E1"},
	} {
		_, err := s.Insert(ctx, "jobs", row.tenant, record.New(
			record.P("id", record.String(row.id)),
			record.P("estimate_id", record.String(row.estimate)),
			record.P("paid", record.Bool(row.id == "J3")),
		))
		require.NoError(t, err)
	}

	rows, err := s.Select(ctx, query.Select{
		Table:    "jobs",
		TenantID: "t1",
		Filter:   query.Eq("estimate_id", record.String("E1")),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "J1", rows[0].ID())
	assert.Equal(t, "J3", rows[1].ID())

	rows, err = s.Select(ctx, query.Select{
		Table:    "jobs",
		TenantID: "t1",
		Filter: query.And{Predicates: []query.Predicate{
			query.Eq("estimate_id", record.String("E1")),
			query.Eq("paid", record.Bool(true)),
		}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "J3", rows[0].ID())

	rows, err = s.Select(ctx, query.Select{Table: "jobs", TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = s.Select(ctx, query.Select{Table: "jobs", TenantID: "t3"})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)

	_, err = s.Select(ctx, query.Select{Table: "jobs"})
	assert.ErrorIs(t, err, query.ErrInvalidQuery)
}
