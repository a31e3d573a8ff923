// Package changefeed carries row-change notifications from storage to the
// dispatcher.
//
// A Hub fans changes out to per-table, per-tenant subscriptions. Publishers
// never block: each subscription has a bounded buffer and a change that
// does not fit is dropped and counted.
package changefeed

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// Type is the kind of row change.
type Type string

const (
	Insert Type = "INSERT"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

// AllTypes lists every change type.
var AllTypes = []Type{Insert, Update, Delete}

// Change is one row change. Old is nil for inserts, New is nil for deletes.
type Change struct {
	Table    string         `json:"table"`
	Type     Type           `json:"type"`
	TenantID string         `json:"tenant_id"`
	Old      *record.Record `json:"old,omitempty"`
	New      *record.Record `json:"new,omitempty"`
	At       time.Time      `json:"at"`

	// Origin is the sync id of the engine run that wrote the row, or ""
	// for writes from outside the engine.
	Origin string `json:"origin,omitempty"`
}

// Row returns the row image: New, or Old for deletes.
func (c Change) Row() *record.Record {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// Subscriber opens change streams.
type Subscriber interface {
	Subscribe(ctx context.Context, table, tenantID string, types []Type) (*Stream, error)
}

// ErrClosed is returned when subscribing to a closed hub.
var ErrClosed = errors.New("changefeed: hub closed")

// DefaultBuffer is the per-subscription buffer size.
const DefaultBuffer = 256

// Stream is an open subscription. Changes are delivered on C until Close
// is called or the subscribing context ends.
type Stream struct {
	C <-chan Change

	closeOnce sync.Once
	closeFn   func()
}

// Close ends the subscription and closes C. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(s.closeFn)
}

type subscription struct {
	table    string
	tenantID string
	types    []Type
	ch       chan Change
}

func (s *subscription) wants(c Change) bool {
	return c.Table == s.table && c.TenantID == s.tenantID && slices.Contains(s.types, c.Type)
}

// Hub is an in-process change feed.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	buffer  int
	closed  bool
	dropped atomic.Int64
	onDrop  func(Change)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropHook calls fn for every change dropped because a subscriber was
// full. fn runs on the publisher's goroutine and must not block.
func WithDropHook(fn func(Change)) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[*subscription]struct{}),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe opens a stream of changes to table for tenantID limited to
// types (all types when empty). The stream closes when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, table, tenantID string, types []Type) (*Stream, error) {
	if len(types) == 0 {
		types = AllTypes
	}
	sub := &subscription{
		table:    table,
		tenantID: tenantID,
		types:    slices.Clone(types),
		ch:       make(chan Change, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	stream := &Stream{C: sub.ch}
	stream.closeFn = func() {
		close(done)
		h.remove(sub)
	}

	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	return stream, nil
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers c to every matching subscription without blocking.
// It reports how many subscriptions received the change.
func (h *Hub) Publish(c Change) int {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs {
		if !sub.wants(c) {
			continue
		}
		select {
		case sub.ch <- c:
			delivered++
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(c)
			}
		}
	}
	return delivered
}

// Dropped returns the number of changes dropped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscriptions returns the number of open streams.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every open stream and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	clear(h.subs)
}
