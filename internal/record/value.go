package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Value is a sealed interface over the value kinds a record field can hold.
type Value interface {
	recordValue() // Sealed - only types in this package implement it
}

// Null represents an explicit null field value.
type Null struct{}

func (Null) recordValue() {}

// String is a text value.
type String string

func (String) recordValue() {}

// Int is an integral number.
type Int int64

func (Int) recordValue() {}

// Float is a non-integral number (amounts, rates).
type Float float64

func (Float) recordValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) recordValue() {}

// Date is a point in time. It serializes as RFC 3339.
type Date time.Time

func (Date) recordValue() {}

// Time returns the underlying time.Time.
func (d Date) Time() time.Time {
	return time.Time(d)
}

// Array is an ordered list of values.
type Array []Value

func (Array) recordValue() {}

// Kind names the variant of v. A nil Value reports "null".
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case String:
		return "string"
	case Int, Float:
		return "number"
	case Bool:
		return "bool"
	case Date:
		return "date"
	case Array:
		return "array"
	case *Record:
		return "object"
	default:
		return "unknown"
	}
}

// IsNull reports whether v is absent or Null.
func IsNull(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return true
	case *Record:
		return val == nil
	}
	return false
}

// IsEmpty reports whether v counts as "no value" for required-field checks:
// absent, Null, or the empty string.
func IsEmpty(v Value) bool {
	if IsNull(v) {
		return true
	}
	if s, ok := v.(String); ok {
		return s == ""
	}
	return false
}

// Numeric returns v as a float64 if v is a number.
func Numeric(v Value) (float64, bool) {
	switch val := v.(type) {
	case Int:
		return float64(val), true
	case Float:
		return float64(val), true
	}
	return 0, false
}

// StringOf returns a scalar value as an identifier-friendly string.
// Strings are returned as-is and numbers in decimal form. Other kinds
// report false.
func StringOf(v Value) (string, bool) {
	switch val := v.(type) {
	case String:
		return string(val), true
	case Int:
		return strconv.FormatInt(int64(val), 10), true
	case Float:
		return formatFloat(float64(val)), true
	}
	return "", false
}

// Display renders v the way a user would see it in a text field. It backs
// the "contains" operator.
func Display(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return formatFloat(float64(val))
	case Bool:
		return strconv.FormatBool(bool(val))
	case Date:
		return val.Time().UTC().Format(time.RFC3339)
	case Array:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = Display(elem)
		}
		return strings.Join(parts, ",")
	case *Record:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Equal reports strict equality. Int and Float compare numerically, so
// Int(500) equals Float(500). Records compare by key set and values,
// ignoring key order.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}

	if an, ok := Numeric(a); ok {
		bn, ok := Numeric(b)
		return ok && an == bn
	}

	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Date:
		bv, ok := b.(Date)
		return ok && av.Time().Equal(bv.Time())
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Record:
		bv, ok := b.(*Record)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for _, k := range av.keys {
			other, exists := bv.Get(k)
			if !exists || !Equal(av.values[k], other) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of the same comparable kind. Numbers compare
// numerically, strings lexically and dates chronologically. The second
// result is false when the values are not comparable with each other.
func Compare(a, b Value) (int, bool) {
	if an, ok := Numeric(a); ok {
		bn, ok := Numeric(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		if !ok {
			return 0, false
		}
		return strings.Compare(string(av), string(bv)), true
	case Date:
		bv, ok := b.(Date)
		if !ok {
			return 0, false
		}
		return av.Time().Compare(bv.Time()), true
	}
	return 0, false
}

// FromAny converts a plain Go value into a Value.
//
// Supported inputs: nil, bool, string, all integer kinds, float32/float64,
// json.Number, time.Time, []byte, []string, []any, map[string]any, and
// values that already implement Value. Map keys are sorted so conversion is
// deterministic.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of range: %d", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		return fromNumber(val)
	case time.Time:
		return Date(val), nil
	case *time.Time:
		if val == nil {
			return Null{}, nil
		}
		return Date(*val), nil
	case []string:
		arr := make(Array, len(val))
		for i, s := range val {
			arr[i] = String(s)
		}
		return arr, nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		return FromMap(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number: %v", f)
	}
	return Float(f), nil
}

func fromNumber(n json.Number) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", n, err)
	}
	return fromFloat(f)
}

// ToAny converts a Value into a plain Go value suitable for drivers and
// encoding/json: nil, string, int64, float64, bool, time.Time, []any or
// map[string]any.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Date:
		return val.Time()
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case *Record:
		return val.ToMap()
	}
	return nil
}

// FromMap converts a map into a Record with keys in sorted order.
func FromMap(m map[string]any) (*Record, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := New()
	for _, k := range keys {
		conv, err := FromAny(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		r.Set(k, conv)
	}
	return r, nil
}

// MustFromMap is FromMap for literals in tests and configuration.
// Panics on unsupported values.
func MustFromMap(m map[string]any) *Record {
	r, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return r
}
