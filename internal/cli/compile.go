package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/registry"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled forms.
type CompilationResult struct {
	Forms []registry.FormSchema `json:"forms"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	FormCount    int
	RuleCount    int
	MappingCount int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [forms-dir]",
		Short: "Compile CUE forms to JSON",
		Long: `Compile a CUE forms configuration to the JSON form schemas the engine
runs on. Compilation fails on any validation error. Without a directory,
the built-in forms are compiled.

Examples:
  formsync compile ./forms -o forms.json
  formsync compile --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, err := LoadForms(resolveFormsDir(opts.RootOptions, args))
	if err != nil {
		return loadFailed(f, err)
	}
	for _, form := range loaded.Forms {
		f.VerboseLog("Compiling form: %s", form.FormID)
	}

	if !loaded.Valid() {
		message := fmt.Sprintf("%d compilation error(s)", len(loaded.Errors))
		if err := f.Error(ErrCodeForms, message, loaded.Errors); err != nil {
			return err
		}
		if f.Format != "json" {
			writeValidation(f.Writer, loaded)
		}
		return NewExitError(ExitFailure, message)
	}

	result := &CompilationResult{Forms: loaded.Forms}
	stats := calculateStats(result)

	if opts.Output != "" {
		if err := writeFormsToFile(result, opts.Output); err != nil {
			return f.fail(ExitCommandError, ErrCodeGeneric, "writing output file", err)
		}
	}

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %d form(s), %d sync rule(s), %d field mapping(s)\n\n",
			stats.FormCount, stats.RuleCount, stats.MappingCount)
		fmt.Fprintln(w, "Forms:")
		for _, form := range result.Forms {
			fmt.Fprintf(w, "  %s: %s, %d rule(s)\n", form.FormID, form.PrimaryTable, len(form.SyncRules))
		}
		if opts.Output != "" {
			fmt.Fprintf(w, "\nOutput written to: %s\n", opts.Output)
		}
	})
}

// calculateStats computes summary statistics from compilation result.
func calculateStats(result *CompilationResult) CompilationStats {
	stats := CompilationStats{FormCount: len(result.Forms)}
	for _, form := range result.Forms {
		stats.RuleCount += len(form.SyncRules)
		stats.MappingCount += len(form.FieldMappings)
		for _, rule := range form.SyncRules {
			for _, action := range rule.Actions {
				stats.MappingCount += len(action.FieldMappings)
			}
		}
	}
	return stats
}

// writeFormsToFile writes the compiled forms as indented JSON.
func writeFormsToFile(result *CompilationResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling forms: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
