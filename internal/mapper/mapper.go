// Package mapper builds target rows from form data using field mappings.
package mapper

import (
	"fmt"
	"slices"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/transform"
)

// Mapper applies field mappings with a fixed transform registry.
type Mapper struct {
	transforms *transform.Registry
}

// New returns a Mapper resolving transform names through transforms.
// A nil registry uses the built-in transforms.
func New(transforms *transform.Registry) *Mapper {
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	return &Mapper{transforms: transforms}
}

// Map builds the target record for mappings from source.
//
// For each mapping the source field is read and, if a transform is named,
// passed through it. The result is then written according to the sync
// behavior:
//   - overwrite, create_new: set the target field
//   - ignore: the target field is never written
//   - append: merge with the value in persisted (the current target row)
//
// A source field that is absent and stays Null after the transform is
// skipped, so unset form fields do not clear stored columns. persisted may
// be nil when no mapping appends.
func (m *Mapper) Map(mappings []registry.FieldMapping, source, persisted *record.Record) (*record.Record, error) {
	out := record.New()
	for _, fm := range mappings {
		if fm.SyncBehavior == registry.BehaviorIgnore {
			continue
		}

		raw, present := source.Get(fm.SourceField)
		if !present {
			raw = record.Null{}
		}

		value := raw
		if fm.Transform != nil {
			var err error
			value, err = m.transforms.Apply(fm.Transform.Name, fm.Transform.Arg, raw)
			if err != nil {
				return nil, fmt.Errorf("mapping %s -> %s: %w", fm.SourceField, fm.TargetField, err)
			}
		}
		if !present && record.IsNull(value) {
			continue
		}

		switch fm.SyncBehavior {
		case registry.BehaviorAppend:
			merged, err := appendValue(persisted.Value(fm.TargetField), value)
			if err != nil {
				return nil, fmt.Errorf("mapping %s -> %s: %w", fm.SourceField, fm.TargetField, err)
			}
			out.Set(fm.TargetField, merged)
		case registry.BehaviorOverwrite, registry.BehaviorCreateNew, "":
			out.Set(fm.TargetField, value)
		default:
			return nil, fmt.Errorf("mapping %s -> %s: unknown sync behavior %q", fm.SourceField, fm.TargetField, fm.SyncBehavior)
		}
	}
	return out, nil
}

// NeedsPersisted reports whether any mapping appends, meaning the caller
// must read the current target row before calling Map.
func NeedsPersisted(mappings []registry.FieldMapping) bool {
	return slices.ContainsFunc(mappings, func(fm registry.FieldMapping) bool {
		return fm.SyncBehavior == registry.BehaviorAppend
	})
}

// appendValue merges next into the stored value current.
//
// Numbers sum, arrays concatenate (a scalar is appended as one element) and
// strings concatenate. A Null on either side yields the other side.
func appendValue(current, next record.Value) (record.Value, error) {
	if record.IsNull(current) {
		return next, nil
	}
	if record.IsNull(next) {
		return current, nil
	}

	switch cur := current.(type) {
	case record.Int:
		if n, ok := next.(record.Int); ok {
			return cur + n, nil
		}
		if n, ok := record.Numeric(next); ok {
			return record.Float(float64(cur) + n), nil
		}
	case record.Float:
		if n, ok := record.Numeric(next); ok {
			return record.Float(float64(cur) + n), nil
		}
	case record.Array:
		merged := slices.Clone(cur)
		if arr, ok := next.(record.Array); ok {
			return append(merged, arr...), nil
		}
		return append(merged, next), nil
	case record.String:
		if s, ok := next.(record.String); ok {
			return cur + s, nil
		}
		if s, ok := record.StringOf(next); ok {
			return cur + record.String(s), nil
		}
	}
	return nil, fmt.Errorf("cannot append %s to %s", record.Kind(next), record.Kind(current))
}
