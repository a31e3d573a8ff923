package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/registry"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Source   string                  `json:"source"`
	Forms    int                     `json:"forms"`
	Errors   []FormIssue             `json:"errors,omitempty"`
	Warnings []registry.CycleWarning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [forms-dir]",
		Short: "Validate form configuration",
		Long: `Validate a CUE forms configuration without touching any store.

Checks CUE syntax, the shape of every form, sync rule, condition and
field mapping, and that every named transform exists. Rules whose writes
can re-trigger themselves through the change feed are reported as
warnings. Without a directory, the built-in forms are validated.

Examples:
  formsync validate ./forms
  formsync validate --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := formatterFor(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, err := LoadForms(resolveFormsDir(opts, args))
	if err != nil {
		return loadFailed(f, err)
	}
	f.VerboseLog("Loaded %d form(s) from %s", len(loaded.Forms), loaded.Source)

	result := ValidationResult{
		Valid:    loaded.Valid(),
		Source:   loaded.Source,
		Forms:    len(loaded.Forms),
		Errors:   loaded.Errors,
		Warnings: loaded.Warnings,
	}

	if !result.Valid {
		message := fmt.Sprintf("%d validation error(s)", len(result.Errors))
		if f.Format == "json" {
			if err := f.encode(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: ErrCodeValidation, Message: message},
			}); err != nil {
				return err
			}
		} else {
			writeValidation(f.Writer, loaded)
		}
		return NewExitError(ExitFailure, message)
	}

	return f.Success(result, func(w io.Writer) {
		writeValidation(w, loaded)
	})
}

func writeValidation(w io.Writer, r *LoadResult) {
	if r.Valid() {
		fmt.Fprintf(w, "✓ %d form(s) valid (%s)\n", len(r.Forms), r.Source)
	} else {
		fmt.Fprintf(w, "✗ %d error(s) in %s\n", len(r.Errors), r.Source)
		for _, e := range r.Errors {
			if e.Line > 0 {
				fmt.Fprintf(w, "  [%s] %s (line %d): %s\n", e.Code, e.Field, e.Line, e.Message)
				continue
			}
			fmt.Fprintf(w, "  [%s] %s: %s\n", e.Code, e.Field, e.Message)
		}
	}

	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n    %s\n", warn.Message, strings.Join(warn.Path, " -> "))
	}
}
