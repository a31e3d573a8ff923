package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/record"
)

func TestSnapshotLifecycle(t *testing.T) {
	clock := &testClock{now: testEpoch}
	s := createTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	data := record.New(record.P("client_name", record.String("Jane Roe")))
	require.NoError(t, s.SaveSnapshot(ctx, "t1:job-creation:E1", data, 24*time.Hour))

	got, ok, err := s.LoadSnapshot(ctx, "t1:job-creation:E1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.String("Jane Roe"), got.Value("client_name"))

	// Saving again replaces the data and extends the expiry.
	clock.Advance(23 * time.Hour)
	require.NoError(t, s.SaveSnapshot(ctx, "t1:job-creation:E1", record.New(record.P("client_name", record.String("J. Roe"))), 24*time.Hour))
	clock.Advance(2 * time.Hour)
	got, ok, err = s.LoadSnapshot(ctx, "t1:job-creation:E1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.String("J. Roe"), got.Value("client_name"))

	clock.Advance(23 * time.Hour)
	_, ok, err = s.LoadSnapshot(ctx, "t1:job-creation:E1")
	require.NoError(t, err)
	assert.False(t, ok, "expired snapshot")

	_, ok, err = s.LoadSnapshot(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
