package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/registry"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Event    string
	Data     string
	DataFile string
	User     string
	Metadata map[string]string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <form-id>",
		Short: "Submit form data and run the form's sync rules",
		Long: `Submit form data and run every sync rule of the form registered for
the event.

Required fields are checked first; a submission missing one writes
nothing. Otherwise each matching rule's actions run in order, failures
are collected, and the run is written to the audit log.

Exit codes:
  0 - Sync completed
  1 - Validation failed or an action failed
  2 - Command error (bad input, database not reachable)

Examples:
  formsync sync lead-creation --data '{"name":"Jane Roe","phone_number":"555-010-2020"}'
  formsync sync estimate-creation --event update --data-file estimate.json
  cat lead.json | formsync sync lead-creation --data-file -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", string(registry.EventCreate), "form event (create|update|delete)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "form data as a JSON object")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", "file with form data as a JSON object (- for stdin)")
	cmd.Flags().StringVar(&opts.User, "user", "cli", "submitting user id")
	cmd.Flags().StringToStringVar(&opts.Metadata, "meta", nil, "metadata key=value pairs recorded with the run")

	return cmd
}

func runSync(opts *SyncOptions, formID string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	event := registry.Event(opts.Event)
	if !registry.ValidEvents[event] {
		return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid event %q: must be create, update or delete", opts.Event), nil)
	}
	data, err := readData(opts.Data, opts.DataFile, cmd.InOrStdin())
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeInput, "invalid form data", err)
	}

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	if _, ok := app.Registry.FormSchema(formID); !ok {
		return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("unknown form %q", formID), nil)
	}
	f.VerboseLog("Syncing %s (%s) for tenant %s", formID, event, app.Tenant())

	result, err := app.Orchestrator.SyncFormData(cmd.Context(), orchestrator.SyncContext{
		FormID:   formID,
		TenantID: app.Tenant(),
		UserID:   opts.User,
		Data:     data,
		Metadata: opts.Metadata,
	}, event)
	return reportSync(f, formID, result, err)
}

// reportSync writes a sync or retry outcome and maps it to an exit code.
func reportSync(f *OutputFormatter, formID string, result *orchestrator.SyncResult, err error) error {
	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		if outErr := f.Error(ErrCodeValidation, verr.Error(), map[string]any{
			"form_id":        verr.FormID,
			"missing_fields": verr.MissingFields,
		}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "validation failed", err)
	}
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeGeneric, "sync failed to run", err)
	}

	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result, SyncID: result.SyncID}
		if !result.Success {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    ErrCodeSyncFailed,
				Message: fmt.Sprintf("%d action(s) failed", len(result.Errors)),
			}
		}
		if err := f.encode(resp); err != nil {
			return err
		}
	} else {
		writeSyncText(f.Writer, formID, result)
	}

	if !result.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("sync %s failed", result.SyncID))
	}
	return nil
}

func writeSyncText(w io.Writer, formID string, r *orchestrator.SyncResult) {
	mark, status := "✓", "completed"
	if !r.Success {
		mark, status = "✗", "failed"
	}
	fmt.Fprintf(w, "%s %s %s (sync %s)\n", mark, formID, status, r.SyncID)
	if len(r.SyncedTables) > 0 {
		fmt.Fprintf(w, "  Synced tables: %s\n", strings.Join(r.SyncedTables, ", "))
	}
	writeRefs(w, "Created", r.CreatedRecords)
	writeRefs(w, "Updated", r.UpdatedRecords)
	writeRefs(w, "Already applied", r.ReplayedRecords)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  Error: %s\n", e)
	}
}

func writeRefs(w io.Writer, label string, refs []audit.Ref) {
	if len(refs) == 0 {
		return
	}
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.Table + "/" + r.ID
	}
	fmt.Fprintf(w, "  %s: %s\n", label, strings.Join(parts, ", "))
}
