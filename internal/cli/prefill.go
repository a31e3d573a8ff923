package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/prefill"
	"github.com/roach88/formsync/internal/record"
)

// PrefillOptions holds flags for the prefill command.
type PrefillOptions struct {
	*RootOptions
	Data     string
	DataFile string
	Record   string
	User     string
	Save     bool
}

// PrefillOutput is the prefill payload plus the snapshot key when saved.
type PrefillOutput struct {
	*prefill.Result
	SavedAs string `json:"saved_as,omitempty"`

	// Restored is true when saved prefill data was laid over the result.
	Restored bool `json:"restored,omitempty"`
}

// NewPrefillCommand creates the prefill command.
func NewPrefillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PrefillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prefill <source-form> <target-form>",
		Short: "Suggest values for the next form in a workflow",
		Long: `Suggest values for target-form from the data of source-form.

Values come from the source form's prefill mapping, rows linked to the
source record, the tenant's recent submissions of the target form and
rule-based defaults. Confident suggestions are applied; the rest are
listed for review.

With --save the result is stored; a later prefill of the same source
record restores the saved values over the computed ones.

Examples:
  formsync prefill lead-creation estimate-creation --data '{"name":"Jane Roe","email":"jane@example.com"}'
  formsync prefill estimate-creation job-creation --record E1 --data-file estimate.json --save`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrefill(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "source form data as a JSON object")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", "file with source form data (- for stdin)")
	cmd.Flags().StringVar(&opts.Record, "record", "", "id of the saved source record")
	cmd.Flags().StringVar(&opts.User, "user", "cli", "requesting user id")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "save the prefill data for later reuse")

	return cmd
}

func runPrefill(opts *PrefillOptions, source, target string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	data, err := readData(opts.Data, opts.DataFile, cmd.InOrStdin())
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeInput, "invalid form data", err)
	}

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	pc := prefill.Context{
		SourceFormID:   source,
		TargetFormID:   target,
		SourceRecordID: opts.Record,
		SourceData:     data,
		TenantID:       app.Tenant(),
		UserID:         opts.User,
	}

	ctx := cmd.Context()
	result := app.Prefill.GetPrefillData(ctx, pc)
	if !result.Success {
		return f.fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no prefill for %s -> %s", source, target), nil)
	}

	out := PrefillOutput{Result: result}
	if saved, ok, err := app.Prefill.LoadSavedPrefill(ctx, pc); err != nil {
		f.VerboseLog("Saved prefill unavailable: %v", err)
	} else if ok {
		f.VerboseLog("Restoring saved prefill %s", prefill.SnapshotKey(pc))
		result.Data = overlay(result.Data, saved)
		out.Restored = true
	}
	if opts.Save {
		if err := app.Prefill.SavePrefillData(ctx, pc, result.Data); err != nil {
			return f.fail(ExitCommandError, ErrCodeStore, "failed to save prefill data", err)
		}
		out.SavedAs = prefill.SnapshotKey(pc)
	}

	return f.Success(out, func(w io.Writer) {
		writePrefillText(w, source, target, out)
	})
}

// overlay returns base with every field of saved set over it.
func overlay(base, saved *record.Record) *record.Record {
	out := base.Clone()
	saved.Range(func(k string, v record.Value) bool {
		out.Set(k, v)
		return true
	})
	return out
}

func writePrefillText(w io.Writer, source, target string, out PrefillOutput) {
	fmt.Fprintf(w, "Prefill %s -> %s\n", source, target)
	if out.Data.Len() == 0 {
		fmt.Fprintln(w, "  (no values)")
	}
	out.Data.Range(func(k string, v record.Value) bool {
		fmt.Fprintf(w, "  %s: %s\n", k, record.Display(v))
		return true
	})
	for _, l := range out.LinkedRecords {
		fmt.Fprintf(w, "  Linked: %s/%s\n", l.Table, l.ID)
	}
	if len(out.Suggestions) > 0 {
		fmt.Fprintln(w, "Suggestions:")
		for _, s := range out.Suggestions {
			fmt.Fprintf(w, "  %s: %s (%s, %.0f%%)\n", s.Field, record.Display(s.Value), s.Source, 100*s.Confidence)
		}
	}
	if out.SavedAs != "" {
		fmt.Fprintf(w, "Saved as %s\n", out.SavedAs)
	}
}
