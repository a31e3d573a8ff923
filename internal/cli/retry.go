package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/store"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	AllFailed bool
	Form      string
	Limit     int
}

// RetrySummary is the outcome of retrying every failed run.
type RetrySummary struct {
	Retried   int               `json:"retried"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []RetryOutcome    `json:"results"`
	Skipped   map[string]string `json:"skipped,omitempty"` // sync id -> reason
}

// RetryOutcome is one retried run.
type RetryOutcome struct {
	FormID  string                   `json:"form_id"`
	RetryOf string                   `json:"retry_of"`
	Result  *orchestrator.SyncResult `json:"result"`
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry [sync-id]",
		Short: "Retry a failed sync",
		Long: `Retry a failed sync by replaying its original form data as an update.

Creates that already succeeded in the failed run are not repeated. The
retry is logged as a new audit entry pointing at the original run.

With --all-failed, every failed run (optionally of one form) that has not
already been retried successfully is retried in turn.

Examples:
  formsync retry 01890a5d-ac96-774b-bcce-b302099a8057
  formsync retry --all-failed --form estimate-creation`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.AllFailed {
				if len(args) > 0 {
					return fmt.Errorf("--all-failed takes no sync id")
				}
				return runRetryAll(opts, cmd)
			}
			if len(args) != 1 {
				return fmt.Errorf("requires a sync id or --all-failed")
			}
			return runRetry(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.AllFailed, "all-failed", false, "retry every failed sync")
	cmd.Flags().StringVar(&opts.Form, "form", "", "with --all-failed, only retry syncs of this form")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "with --all-failed, the most failed syncs to consider")

	return cmd
}

func runRetry(opts *RetryOptions, syncID string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	entry, err := app.Entry(cmd.Context(), syncID)
	if errors.Is(err, store.ErrNotFound) {
		return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("sync %s not found", syncID), nil)
	}
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}
	if entry.Status != audit.StatusFailed {
		return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("sync %s did not fail (status %s)", syncID, entry.Status), nil)
	}

	f.VerboseLog("Retrying %s (form %s)", syncID, entry.FormID)
	result, err := app.Orchestrator.RetryFailedSync(cmd.Context(), syncID)
	return reportSync(f, entry.FormID, result, err)
}

func runRetryAll(opts *RetryOptions, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	ctx := cmd.Context()
	failed, err := app.Store.List(ctx, audit.Filter{
		TenantID: app.Tenant(),
		FormID:   opts.Form,
		Status:   audit.StatusFailed,
		Limit:    opts.Limit,
	})
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}
	resolved, err := resolvedOrigins(ctx, app.Store, app.Tenant(), opts.Form)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}

	summary := RetrySummary{Results: []RetryOutcome{}, Skipped: map[string]string{}}
	attempted := make(map[string]bool)
	// Oldest first, so a chain of retries is resumed from its latest run.
	for i := len(failed) - 1; i >= 0; i-- {
		e := failed[i]
		origin := originOf(e)
		if resolved[origin] {
			summary.Skipped[e.ID] = "already retried successfully"
			continue
		}
		if attempted[origin] {
			summary.Skipped[e.ID] = "superseded by a later retry"
			continue
		}
		attempted[origin] = true

		f.VerboseLog("Retrying %s (form %s)", e.ID, e.FormID)
		target := latestFailed(failed, origin)
		result, err := app.Orchestrator.RetryFailedSync(ctx, target)
		if err != nil {
			summary.Skipped[e.ID] = err.Error()
			continue
		}
		summary.Retried++
		if result.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, RetryOutcome{FormID: e.FormID, RetryOf: target, Result: result})
	}

	if err := f.Success(summary, func(w io.Writer) {
		for _, r := range summary.Results {
			writeSyncText(w, r.FormID, r.Result)
		}
		fmt.Fprintf(w, "\nRetry Summary: %d succeeded, %d failed, %d skipped\n",
			summary.Succeeded, summary.Failed, len(summary.Skipped))
	}); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d retry(ies) failed", summary.Failed))
	}
	return nil
}

// originOf is the sync id that started e's retry chain.
func originOf(e audit.Entry) string {
	if e.RetryOf != "" {
		return e.RetryOf
	}
	return e.ID
}

// latestFailed returns the newest failed entry of the chain started by
// origin. entries are newest first.
func latestFailed(entries []audit.Entry, origin string) string {
	for _, e := range entries {
		if originOf(e) == origin {
			return e.ID
		}
	}
	return origin
}

// resolvedOrigins lists the retry chains that already ended in success.
func resolvedOrigins(ctx context.Context, st *store.Store, tenantID, formID string) (map[string]bool, error) {
	done, err := st.List(ctx, audit.Filter{TenantID: tenantID, FormID: formID, Status: audit.StatusSuccess})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, e := range done {
		if e.RetryOf != "" {
			out[e.RetryOf] = true
		}
	}
	return out, nil
}
