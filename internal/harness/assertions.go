package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/query"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// AssertionContext gives assertions access to the scenario's store.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	TenantID string
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Name())
			if event.Op != "" {
				fmt.Fprintf(&buf, " %s", event.Op)
			}
			if event.SyncID != "" {
				fmt.Fprintf(&buf, " (%s)", event.SyncID)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertFinalState:
		return assertFinalState(actx, a)
	case AssertAudit:
		return assertAudit(actx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether e has the assertion's kind, and its target and
// op when given.
func matches(e TraceEvent, a Assertion) bool {
	if e.Kind != a.Event {
		return false
	}
	if a.Target != "" && e.Target != a.Target {
		return false
	}
	return a.Op == "" || e.Op == a.Op
}

func describe(a Assertion) string {
	desc := a.Event
	if a.Target != "" {
		desc += ":" + a.Target
	}
	if a.Op != "" {
		desc += " " + a.Op
	}
	return desc
}

// assertTraceContains checks that some event matches the selector and
// carries the expected fields (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if matches(e, a) && matchFields(e.Fields, a.Fields) == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with fields %v", describe(a), a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the named events appear in order. Other
// events may occur in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range trace {
		if next < len(a.Events) && e.Name() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("%s not found after %v", a.Events[next], a.Events[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks the exact number of matching events.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, e := range trace {
		if matches(e, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s %d time(s)", describe(a), a.Count),
		Actual:   fmt.Sprintf("%d time(s)", n),
		Trace:    trace,
	}
}

// assertFinalState checks that a row matching Where holds Expect.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	where, err := record.FromMap(a.Where)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	var preds []query.Predicate
	where.Range(func(k string, v record.Value) bool {
		preds = append(preds, query.Eq(k, v))
		return true
	})

	rows, err := actx.Store.Select(actx.Ctx, query.Select{
		Table:    a.Table,
		TenantID: actx.TenantID,
		Filter:   query.And{Predicates: preds},
	})
	if err != nil {
		return fmt.Errorf("final_state query %s: %w", a.Table, err)
	}
	if len(rows) == 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("a %s row where %v", a.Table, a.Where),
			Actual:   "no rows",
		}
	}

	var mismatches []string
	for _, row := range rows {
		msg := matchFields(row, a.Expect)
		if msg == "" {
			return nil
		}
		mismatches = append(mismatches, fmt.Sprintf("%s: %s", row.ID(), msg))
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s row where %v with %v", a.Table, a.Where, a.Expect),
		Actual:   strings.Join(mismatches, "; "),
	}
}

// assertAudit checks the number of audit entries for a form and status.
func assertAudit(actx *AssertionContext, a Assertion) error {
	got, err := entries(actx.Ctx, actx.Store, actx.TenantID, a.Form, audit.Status(a.Status))
	if err != nil {
		return fmt.Errorf("audit query: %w", err)
	}
	if len(got) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAudit,
		Expected: fmt.Sprintf("%d audit entr(ies) for form %q status %q", a.Count, a.Form, a.Status),
		Actual:   fmt.Sprintf("%d", len(got)),
	}
}

// matchFields checks that got holds every key of want with an equal
// value. It returns a description of the first mismatch, or "".
func matchFields(got *record.Record, want map[string]any) string {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		expected, err := record.FromAny(want[k])
		if err != nil {
			return fmt.Sprintf("field %s: %v", k, err)
		}
		actual := got.Value(k)
		if !record.Equal(actual, expected) {
			return fmt.Sprintf("field %s: expected %s, got %s", k, record.Display(expected), record.Display(actual))
		}
	}
	return ""
}

func containsString(s, sub string) bool {
	return strings.Contains(s, sub)
}

func equalStrings(a, b []string) bool {
	return slices.Equal(a, b)
}
