// Package condition evaluates sync-rule guards against a flat record.
//
// A rule fires only when every one of its conditions holds. Evaluation is
// pure: no I/O, no mutation of the record.
package condition

import (
	"strings"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
)

// Evaluate reports whether all conditions hold for rec. An empty list
// holds. Evaluation stops at the first condition that fails.
func Evaluate(conds []registry.Condition, rec *record.Record) bool {
	for _, c := range conds {
		if !Check(c, rec) {
			return false
		}
	}
	return true
}

// Check evaluates a single condition.
//
// A missing field reads as Null. An operand that cannot be converted to a
// record value fails the condition, as does an unknown operator.
func Check(c registry.Condition, rec *record.Record) bool {
	want, err := record.FromAny(c.Value)
	if err != nil {
		return false
	}
	got := rec.Value(c.Field)

	switch c.Operator {
	case registry.OpEquals:
		return record.Equal(got, want)
	case registry.OpNotEquals:
		return !record.Equal(got, want)
	case registry.OpContains:
		return contains(got, want)
	case registry.OpGreaterThan:
		cmp, ok := record.Compare(got, want)
		return ok && cmp > 0
	case registry.OpLessThan:
		cmp, ok := record.Compare(got, want)
		return ok && cmp < 0
	}
	return false
}

// contains matches a substring of the field's displayed value. A missing
// field only contains the empty string.
func contains(got, want record.Value) bool {
	needle := record.Display(want)
	if record.IsNull(got) {
		return needle == ""
	}
	return strings.Contains(record.Display(got), needle)
}
