package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/record"
)

func TestRecordFiringIsIdempotent(t *testing.T) {
	clock := &testClock{now: testEpoch}
	s := createTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	f := audit.Firing{
		Key:         record.MustActionKey("s1", "create-contact", 0),
		SyncID:      "s1",
		RuleID:      "create-contact",
		ActionIndex: 0,
		Table:       "contacts",
		RecordID:    "C1",
	}

	inserted, err := s.RecordFiring(ctx, f)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := f
	dup.RecordID = "C2"
	inserted, err = s.RecordFiring(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, ok, err := s.LookupFiring(ctx, f.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "C1", got.RecordID, "first firing wins")
	assert.True(t, got.CreatedAt.Equal(testEpoch))

	_, ok, err = s.LookupFiring(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFiringsForSync(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, f := range []audit.Firing{
		{Key: "k2", SyncID: "s1", RuleID: "r", ActionIndex: 1, Table: "b", RecordID: "B1", CreatedAt: testEpoch},
		{Key: "k1", SyncID: "s1", RuleID: "r", ActionIndex: 0, Table: "a", RecordID: "A1", CreatedAt: testEpoch},
		{Key: "k3", SyncID: "s2", RuleID: "r", ActionIndex: 0, Table: "a", RecordID: "A2", CreatedAt: testEpoch.Add(time.Second)},
	} {
		_, err := s.RecordFiring(ctx, f)
		require.NoError(t, err)
	}

	firings, err := s.FiringsForSync(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, firings, 2)
	assert.Equal(t, "k1", firings[0].Key)
	assert.Equal(t, "k2", firings[1].Key)

	none, err := s.FiringsForSync(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}
