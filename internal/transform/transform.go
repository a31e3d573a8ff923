// Package transform holds the named value transforms referenced by field
// mappings.
//
// Mappings are plain data, so a transform is addressed by name plus an
// optional literal argument and resolved through a Registry at mapping time.
package transform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/roach88/formsync/internal/record"
)

// Built-in transform names.
const (
	DigitsOnly = "digits_only"
	Constant   = "constant"
	Prefix     = "prefix"
	Suffix     = "suffix"
	Lowercase  = "lowercase"
	Uppercase  = "uppercase"
	Trim       = "trim"
)

// ErrUnknownTransform is returned by Apply for an unregistered name.
var ErrUnknownTransform = errors.New("unknown transform")

// Func transforms one source value. arg is the mapping's literal argument,
// already converted to a record.Value (Null when absent).
type Func func(in, arg record.Value) (record.Value, error)

// Registry is a concurrency-safe, string-keyed set of transforms.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry preloaded with the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.funcs[DigitsOnly] = digitsOnly
	r.funcs[Constant] = constant
	r.funcs[Prefix] = prefix
	r.funcs[Suffix] = suffix
	r.funcs[Lowercase] = stringFunc(strings.ToLower)
	r.funcs[Uppercase] = stringFunc(strings.ToUpper)
	r.funcs[Trim] = stringFunc(strings.TrimSpace)
	return r
}

// Register adds a transform. Names are unique; re-registering fails.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("transform name is empty")
	}
	if fn == nil {
		return fmt.Errorf("transform %q: nil func", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("transform %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Names lists registered transforms in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named transform on in.
func (r *Registry) Apply(name string, arg any, in record.Value) (record.Value, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}

	argVal, err := record.FromAny(arg)
	if err != nil {
		return nil, fmt.Errorf("transform %q: argument: %w", name, err)
	}
	out, err := fn(in, argVal)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", name, err)
	}
	return out, nil
}

func digitsOnly(in, _ record.Value) (record.Value, error) {
	if record.IsNull(in) {
		return record.Null{}, nil
	}
	s, ok := record.StringOf(in)
	if !ok {
		return nil, fmt.Errorf("expects text or number, got %s", record.Kind(in))
	}
	return record.String(strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)), nil
}

func constant(_, arg record.Value) (record.Value, error) {
	return arg, nil
}

func prefix(in, arg record.Value) (record.Value, error) {
	if record.IsNull(in) {
		return record.Null{}, nil
	}
	return record.String(argText(arg) + record.Display(in)), nil
}

func suffix(in, arg record.Value) (record.Value, error) {
	if record.IsNull(in) {
		return record.Null{}, nil
	}
	return record.String(record.Display(in) + argText(arg)), nil
}

func argText(arg record.Value) string {
	if record.IsNull(arg) {
		return ""
	}
	return record.Display(arg)
}

func stringFunc(fn func(string) string) Func {
	return func(in, _ record.Value) (record.Value, error) {
		switch v := in.(type) {
		case nil, record.Null:
			return record.Null{}, nil
		case record.String:
			return record.String(fn(string(v))), nil
		}
		return nil, fmt.Errorf("expects text, got %s", record.Kind(in))
	}
}
