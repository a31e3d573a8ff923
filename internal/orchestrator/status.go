package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a sync run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllForms subscribes a listener to the status of every form.
const AllForms = "*"

// SyncStatus is the observable state of one sync run.
type SyncStatus struct {
	ID           string      `json:"id"`
	FormID       string      `json:"form_id"`
	SyncDate     time.Time   `json:"sync_date"`
	Status       Status      `json:"status"`
	Details      *SyncResult `json:"details"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Listener receives status transitions. Listeners run synchronously on the
// sync goroutine; a panicking listener is recovered and logged.
type Listener func(SyncStatus)

// SubscribeSyncStatus registers fn for status changes of formID (or
// AllForms) and returns a function that removes it. The returned function
// is safe to call more than once.
func (o *Orchestrator) SubscribeSyncStatus(formID string, fn Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	if o.listeners[formID] == nil {
		o.listeners[formID] = make(map[uint64]Listener)
	}
	o.listeners[formID][id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners[formID], id)
		if len(o.listeners[formID]) == 0 {
			delete(o.listeners, formID)
		}
	}
}

// SyncStatus returns the status of a sync run while it executes. Finished
// runs are read from the audit log instead.
func (o *Orchestrator) SyncStatus(id string) (SyncStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.statuses[id]
	return s, ok
}

// publishStatus stores s in the status queue and notifies listeners in
// subscription order.
func (o *Orchestrator) publishStatus(s SyncStatus) {
	o.mu.Lock()
	o.statuses[s.ID] = s
	var fns []Listener
	fns = appendListeners(fns, o.listeners[s.FormID])
	if s.FormID != AllForms {
		fns = appendListeners(fns, o.listeners[AllForms])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		o.callListener(fn, s)
	}
}

func appendListeners(dst []Listener, set map[uint64]Listener) []Listener {
	for _, id := range slices.Sorted(maps.Keys(set)) {
		dst = append(dst, set[id])
	}
	return dst
}

func (o *Orchestrator) callListener(fn Listener, s SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync status listener panicked",
				"sync_id", s.ID,
				"form_id", s.FormID,
				"status", s.Status,
				"error", fmt.Sprint(r),
			)
		}
	}()
	fn(s)
}

// forgetStatus drops a finished run from the status queue.
func (o *Orchestrator) forgetStatus(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.statuses, id)
}
