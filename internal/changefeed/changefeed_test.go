package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/record"
)

func receive(t *testing.T, s *Stream) Change {
	t.Helper()
	select {
	case c, ok := <-s.C:
		require.True(t, ok, "stream closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func assertNoChange(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case c := <-s.C:
		t.Fatalf("unexpected change: %+v", c)
	default:
	}
}

func TestHubDeliversMatchingChanges(t *testing.T) {
	hub := NewHub()
	s, err := hub.Subscribe(context.Background(), "jobs", "t1", []Type{Insert})
	require.NoError(t, err)
	defer s.Close()

	row := record.New(record.P("id", record.String("J1")))
	assert.Equal(t, 1, hub.Publish(Change{Table: "jobs", Type: Insert, TenantID: "t1", New: row}))

	got := receive(t, s)
	assert.Equal(t, "J1", got.Row().ID())
	assert.False(t, got.At.IsZero(), "publish stamps a time")

	// Other tenant, other table, other type.
	assert.Zero(t, hub.Publish(Change{Table: "jobs", Type: Insert, TenantID: "t2", New: row}))
	assert.Zero(t, hub.Publish(Change{Table: "leads", Type: Insert, TenantID: "t1", New: row}))
	assert.Zero(t, hub.Publish(Change{Table: "jobs", Type: Update, TenantID: "t1", New: row}))
	assertNoChange(t, s)
}

func TestHubDefaultsToAllTypes(t *testing.T) {
	hub := NewHub()
	s, err := hub.Subscribe(context.Background(), "jobs", "t1", nil)
	require.NoError(t, err)
	defer s.Close()

	for _, typ := range AllTypes {
		hub.Publish(Change{Table: "jobs", Type: typ, TenantID: "t1"})
	}
	for _, typ := range AllTypes {
		assert.Equal(t, typ, receive(t, s).Type)
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	var dropped []Change
	hub := NewHub(WithBuffer(1), WithDropHook(func(c Change) { dropped = append(dropped, c) }))
	s, err := hub.Subscribe(context.Background(), "jobs", "t1", nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, hub.Publish(Change{Table: "jobs", Type: Insert, TenantID: "t1", Origin: "first"}))
	assert.Equal(t, 0, hub.Publish(Change{Table: "jobs", Type: Insert, TenantID: "t1", Origin: "second"}))

	assert.Equal(t, int64(1), hub.Dropped())
	require.Len(t, dropped, 1)
	assert.Equal(t, "second", dropped[0].Origin)
	assert.Equal(t, "first", receive(t, s).Origin)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	s, err := hub.Subscribe(context.Background(), "jobs", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscriptions())

	s.Close()
	s.Close()
	assert.Equal(t, 0, hub.Subscriptions())

	_, ok := <-s.C
	assert.False(t, ok)
	assert.Zero(t, hub.Publish(Change{Table: "jobs", Type: Insert, TenantID: "t1"}))
}

func TestStreamClosesWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := hub.Subscribe(ctx, "jobs", "t1", nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-s.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return hub.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	s, err := hub.Subscribe(context.Background(), "jobs", "t1", nil)
	require.NoError(t, err)

	hub.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	s.Close()

	_, err = hub.Subscribe(context.Background(), "jobs", "t1", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChangeRow(t *testing.T) {
	old := record.New(record.P("id", record.String("old")))
	cur := record.New(record.P("id", record.String("new")))

	assert.Equal(t, "new", Change{Old: old, New: cur}.Row().ID())
	assert.Equal(t, "old", Change{Old: old}.Row().ID())
	assert.Nil(t, Change{}.Row())
}
