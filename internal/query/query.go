// Package query describes tenant-scoped row lookups that compile to SQL for
// both storage backends.
//
// The portable fragment is deliberately small: equality on a field and
// conjunction. Every query is scoped to one tenant and one table, and
// compiled SQL always carries a deterministic ORDER BY and bound parameters
// (values are never interpolated).
package query

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/roach88/formsync/internal/record"
)

// Predicate is a row filter. Sealed: only Equals and And implement it.
type Predicate interface {
	predicateNode()
}

// Equals matches rows whose field equals value. A Null value matches rows
// where the field is absent or null.
type Equals struct {
	Field string
	Value record.Value
}

func (Equals) predicateNode() {}

// And matches rows satisfying every predicate. An empty And matches all
// rows.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Eq is shorthand for Equals.
func Eq(field string, value record.Value) Equals {
	return Equals{Field: field, Value: value}
}

// Select reads rows of Table owned by TenantID.
type Select struct {
	Table    string
	TenantID string
	Filter   Predicate // nil matches all rows
	Limit    int       // 0 = unlimited
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrInvalidQuery is returned for queries outside the portable fragment.
var ErrInvalidQuery = errors.New("invalid query")

// Validate checks that q is inside the portable fragment.
func Validate(q Select) error {
	if !identPattern.MatchString(q.Table) {
		return fmt.Errorf("%w: table name %q", ErrInvalidQuery, q.Table)
	}
	if q.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	return validatePredicate(q.Filter)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		return validateEquals(pred)
	case *Equals:
		return validateEquals(*pred)
	case And:
		return validateAnd(pred)
	case *And:
		return validateAnd(*pred)
	}
	return fmt.Errorf("%w: unsupported predicate %T", ErrInvalidQuery, p)
}

func validateEquals(eq Equals) error {
	if !identPattern.MatchString(eq.Field) {
		return fmt.Errorf("%w: field name %q", ErrInvalidQuery, eq.Field)
	}
	switch eq.Value.(type) {
	case record.Array, *record.Record:
		return fmt.Errorf("%w: field %q: cannot compare %s", ErrInvalidQuery, eq.Field, record.Kind(eq.Value))
	}
	return nil
}

func validateAnd(and And) error {
	for _, p := range and.Predicates {
		if err := validatePredicate(p); err != nil {
			return err
		}
	}
	return nil
}

// flatten returns the Equals leaves of p in declaration order.
func flatten(p Predicate) []Equals {
	switch pred := p.(type) {
	case Equals:
		return []Equals{pred}
	case *Equals:
		return []Equals{*pred}
	case And:
		var out []Equals
		for _, sub := range pred.Predicates {
			out = append(out, flatten(sub)...)
		}
		return out
	case *And:
		return flatten(*pred)
	}
	return nil
}
