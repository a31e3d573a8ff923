package dispatcher

import (
	"sync"

	"github.com/roach88/formsync/internal/changefeed"
)

// changeQueue is a thread-safe FIFO queue of changes for one table.
//
// The queue is unbounded so the stream reader never blocks on a slow
// orchestrator run; the table worker drains it in receipt order.
// Workers select on Wait alongside their context.
type changeQueue struct {
	mu      sync.Mutex
	changes []changefeed.Change
	closed  bool
	signal  chan struct{} // holds at most one pending wakeup
}

// newChangeQueue creates an empty change queue.
func newChangeQueue() *changeQueue {
	return &changeQueue{
		changes: make([]changefeed.Change, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a change to the back of the queue.
// Returns false if the queue is closed.
func (q *changeQueue) Enqueue(c changefeed.Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.changes = append(q.changes, c)

	// A wakeup is already pending when the send would block.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Change{}, false) if the queue is empty.
func (q *changeQueue) TryDequeue() (changefeed.Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) == 0 {
		return changefeed.Change{}, false
	}

	c := q.changes[0]

	// Nil out the slot so the row images can be collected.
	q.changes[0] = changefeed.Change{}
	if len(q.changes) == 1 {
		q.changes = q.changes[:0]
	} else {
		q.changes = q.changes[1:]
	}

	return c, true
}

// Wait returns a channel that signals when changes may be available.
// The channel is closed by Close.
func (q *changeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *changeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// Close signals that no more changes will be enqueued and wakes waiters.
// Pending changes are discarded.
func (q *changeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.changes = nil
	close(q.signal)
}
