package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
}

// TraceResult is a sync run with its retry chain.
type TraceResult struct {
	// Origin is the first run of the chain.
	Origin string `json:"origin"`

	// Runs lists every run of the chain, oldest first.
	Runs []audit.Entry `json:"runs"`

	// Firings are the creates applied under the origin, which retries
	// do not repeat.
	Firings []audit.Firing `json:"firings"`

	Resolved bool `json:"resolved"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <sync-id>",
		Short: "Show a sync run and its retries",
		Long: `Show a sync run from the audit log together with every retry of it and
the records its creates wrote.

Any run of a chain may be given; the whole chain is shown.

Example:
  formsync trace 01890a5d-ac96-774b-bcce-b302099a8057 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *TraceOptions, syncID string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	ctx := cmd.Context()
	entry, err := app.Entry(ctx, syncID)
	if errors.Is(err, store.ErrNotFound) {
		return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("sync %s not found", syncID), nil)
	}
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}

	origin := originOf(entry)
	all, err := app.Store.List(ctx, audit.Filter{TenantID: entry.TenantID, FormID: entry.FormID})
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}
	result := TraceResult{Origin: origin, Runs: []audit.Entry{}}
	for _, e := range all {
		if originOf(e) == origin {
			result.Runs = append(result.Runs, e)
		}
	}
	slices.Reverse(result.Runs)
	if n := len(result.Runs); n > 0 {
		result.Resolved = result.Runs[n-1].Status == audit.StatusSuccess
	}

	if result.Firings, err = app.Store.FiringsForSync(ctx, origin); err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read firings", err)
	}
	if result.Firings == nil {
		result.Firings = []audit.Firing{}
	}

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Sync chain %s (form %s)\n\n", origin, entry.FormID)
		for i, e := range result.Runs {
			label := "origin"
			if i > 0 {
				label = fmt.Sprintf("retry %d", i)
			}
			fmt.Fprintf(w, "[%s] %s %s %s %s\n", label, e.ID, e.SyncDate.UTC().Format(time.RFC3339), e.Event, e.Status)
			writeRefs(w, "Created", e.CreatedRecords)
			writeRefs(w, "Updated", e.UpdatedRecords)
			for _, msg := range e.Errors {
				fmt.Fprintf(w, "  Error: %s\n", msg)
			}
		}
		if len(result.Firings) > 0 {
			fmt.Fprintln(w, "\nApplied creates:")
			for _, fr := range result.Firings {
				fmt.Fprintf(w, "  %s[%d] -> %s/%s\n", fr.RuleID, fr.ActionIndex, fr.Table, fr.RecordID)
			}
		}
		fmt.Fprintf(w, "\nResolved: %t\n", result.Resolved)
	})
}
