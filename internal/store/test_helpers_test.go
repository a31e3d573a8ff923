package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/formsync/internal/changefeed"
)

var testEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// testClock is a settable wall clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs returns "id-1", "id-2", ...
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// createTestStore creates a store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createHubStore creates a store with a fixed clock, predictable ids and a
// change hub.
func createHubStore(t *testing.T) (*Store, *changefeed.Hub, *testClock) {
	t.Helper()
	hub := changefeed.NewHub()
	clock := &testClock{now: testEpoch}
	s := createTestStore(t, WithHub(hub), WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	return s, hub, clock
}
