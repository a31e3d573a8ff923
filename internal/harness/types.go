package harness

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// Trace event kinds.
const (
	KindInvoke  = "invoke"
	KindWrite   = "write"
	KindNotify  = "notify"
	KindSync    = "sync"
	KindChange  = "change"
	KindPrefill = "prefill"
)

// TraceEvent is one observed step of a scenario run.
type TraceEvent struct {
	Seq      int            `json:"seq"`
	Kind     string         `json:"kind"`
	Target   string         `json:"target"`
	Op       string         `json:"op,omitempty"`
	SyncID   string         `json:"sync_id,omitempty"`
	RecordID string         `json:"record_id,omitempty"`
	Fields   *record.Record `json:"fields,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Name is "kind:target", the form trace_order assertions use.
func (e TraceEvent) Name() string {
	return e.Kind + ":" + e.Target
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it was observed.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// trace collects events from the scenario goroutine and the dispatcher's
// workers.
type trace struct {
	mu     sync.Mutex
	events []TraceEvent
}

// add appends e with the next sequence number and returns its index.
func (t *trace) add(e TraceEvent) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Seq = len(t.events) + 1
	t.events = append(t.events, e)
	return len(t.events) - 1
}

// setSyncID fills in the sync id of an event recorded before it was known.
func (t *trace) setSyncID(i int, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[i].SyncID = id
}

func (t *trace) setRecordID(i int, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[i].RecordID = id
}

func (t *trace) count(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor blocks until at least n events of kind were recorded.
func (t *trace) waitFor(ctx context.Context, kind string, n int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for t.count(kind) < n {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}

func (t *trace) snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}
