package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/transform"
)

// builtinForms labels the embedded configuration in output.
const builtinForms = "built-in forms"

// FormIssue is one problem found while compiling or validating forms.
type FormIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// LoadResult holds everything known about a forms configuration after
// compilation, including the problems found.
type LoadResult struct {
	Source   string                  `json:"source"`
	Forms    []registry.FormSchema   `json:"forms"`
	Errors   []FormIssue             `json:"errors,omitempty"`
	Warnings []registry.CycleWarning `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found.
func (r *LoadResult) Valid() bool {
	return len(r.Errors) == 0
}

// LoadError is a forms source that could not be read at all.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// resolveFormsDir picks the positional argument, then --forms. An empty
// result means the built-in forms.
func resolveFormsDir(opts *RootOptions, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return opts.FormsDir
}

// LoadForms compiles the CUE package in dir (or the built-in forms when dir
// is empty) and collects every compile error, validation error and cycle
// warning. The returned error is a *LoadError when the source is missing.
func LoadForms(dir string) (*LoadResult, error) {
	result := &LoadResult{Source: dir, Forms: []registry.FormSchema{}}

	var v cue.Value
	if dir == "" {
		result.Source = builtinForms
		v = cuecontext.New().CompileBytes(registry.DefaultConfig(), cue.Filename("forms.cue"))
	} else {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("forms directory not found: %s", dir)}
		}
		if !info.IsDir() {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
		}
		v, err = registry.BuildDir(dir)
		if err != nil {
			result.Errors = append(result.Errors, compileIssue(err))
			return result, nil
		}
	}

	forms, errs := registry.CompileForms(v)
	for _, err := range errs {
		result.Errors = append(result.Errors, compileIssue(err))
	}
	if len(forms) == 0 && len(errs) == 0 {
		result.Errors = append(result.Errors, FormIssue{
			Field:   "form",
			Message: "no forms defined",
			Code:    ErrCodeForms,
		})
	}

	reg, err := registry.New(forms)
	if err != nil {
		result.Errors = append(result.Errors, compileIssue(err))
		return result, nil
	}
	result.Forms = reg.Forms()

	for _, ve := range reg.Validate(transform.NewRegistry()) {
		result.Errors = append(result.Errors, FormIssue{Field: ve.Field, Message: ve.Message, Code: ve.Code})
	}
	result.Warnings = reg.AnalyzeCycles()
	return result, nil
}

func compileIssue(err error) FormIssue {
	var ce *registry.CompileError
	if errors.As(err, &ce) {
		return FormIssue{
			Field:   ce.Field,
			Message: ce.Message,
			Code:    ErrCodeForms,
			Line:    lineOf(ce.Pos),
		}
	}
	return FormIssue{Field: "forms", Message: err.Error(), Code: ErrCodeForms}
}

func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// loadFailed reports an unreadable forms source as a command error.
func loadFailed(f *OutputFormatter, err error) error {
	var le *LoadError
	if errors.As(err, &le) {
		return f.fail(ExitCommandError, le.Code, le.Message, nil)
	}
	return f.fail(ExitCommandError, ErrCodeForms, "failed to load forms", err)
}
