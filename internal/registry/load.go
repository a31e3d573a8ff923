package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/formsync/internal/transform"
)

//go:embed forms/forms.cue
var defaultForms []byte

// DefaultConfig returns the embedded CUE source of the built-in forms.
func DefaultConfig() []byte {
	return defaultForms
}

// LoadDefault builds the registry of the built-in business forms.
func LoadDefault(transforms *transform.Registry) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(defaultForms, cue.Filename("forms.cue"))
	return FromValue(v, transforms)
}

// LoadDir builds a registry from the CUE package in dir.
func LoadDir(dir string, transforms *transform.Registry) (*Registry, error) {
	v, err := BuildDir(dir)
	if err != nil {
		return nil, err
	}
	return FromValue(v, transforms)
}

// BuildDir loads and evaluates the CUE package in dir without compiling it.
func BuildDir(dir string) (cue.Value, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return cue.Value{}, fmt.Errorf("config directory: %w", err)
	}
	if !info.IsDir() {
		return cue.Value{}, fmt.Errorf("not a directory: %s", dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return cue.Value{}, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(files) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError("cue", err)
	}
	return v, nil
}

// FromValue compiles, indexes and validates the forms in v. All compile
// and validation errors are joined into the returned error.
func FromValue(v cue.Value, transforms *transform.Registry) (*Registry, error) {
	forms, errs := CompileForms(v)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	reg, err := New(forms)
	if err != nil {
		return nil, err
	}

	if verrs := reg.Validate(transforms); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i := range verrs {
			joined[i] = verrs[i]
		}
		return nil, errors.Join(joined...)
	}
	return reg, nil
}
