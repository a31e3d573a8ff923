package record

// Record is an insertion-ordered map of field name to Value.
//
// The zero value is not usable; construct with New. A nil *Record behaves as
// an empty, read-only record for Get, Has, Len, Keys and Range.
//
// Record is not safe for concurrent mutation. Components that share a record
// across goroutines hand out clones.
type Record struct {
	keys   []string
	values map[string]Value
}

func (*Record) recordValue() {}

// Pair is a key-value pair for ordered Record construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: record.New(record.P("name", record.String("Jane Roe")))
func P(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// New creates a record from pairs, preserving their order. A repeated key
// keeps its first position and its last value.
func New(pairs ...Pair) *Record {
	r := &Record{
		keys:   make([]string, 0, len(pairs)),
		values: make(map[string]Value, len(pairs)),
	}
	for _, p := range pairs {
		r.Set(p.Key, p.Value)
	}
	return r
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Value returns the value under key, or Null when the field is absent.
func (r *Record) Value(key string) Value {
	if v, ok := r.Get(key); ok {
		return v
	}
	return Null{}
}

// Has reports whether key is present (even if its value is Null).
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Set stores v under key. New keys are appended; existing keys keep their
// position. A nil v is stored as Null.
func (r *Record) Set(key string, v Value) {
	if v == nil {
		v = Null{}
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	if _, exists := r.values[key]; !exists {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Range calls fn for each field in order until fn returns false.
func (r *Record) Range(fn func(key string, v Value) bool) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy. Cloning nil yields an empty record.
func (r *Record) Clone() *Record {
	out := New()
	r.Range(func(k string, v Value) bool {
		out.Set(k, cloneValue(v))
		return true
	})
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		arr := make(Array, len(val))
		for i, elem := range val {
			arr[i] = cloneValue(elem)
		}
		return arr
	case *Record:
		return val.Clone()
	}
	return v
}

// Merge copies every field of other into r, overwriting existing values.
func (r *Record) Merge(other *Record) {
	other.Range(func(k string, v Value) bool {
		r.Set(k, cloneValue(v))
		return true
	})
}

// Text returns the field as a string when it holds a String or a number.
func (r *Record) Text(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	return StringOf(v)
}

// ID returns the "id" field as a string, or "" when absent.
func (r *Record) ID() string {
	id, _ := r.Text("id")
	return id
}

// ToMap converts the record into a plain map (see ToAny).
func (r *Record) ToMap() map[string]any {
	out := make(map[string]any, r.Len())
	r.Range(func(k string, v Value) bool {
		out[k] = ToAny(v)
		return true
	})
	return out
}
