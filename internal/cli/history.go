package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/orchestrator"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit  int
	Status string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <form-id>",
		Short: "List recent syncs of a form",
		Long: `List the most recent audit entries of a form, newest first.

Examples:
  formsync history lead-creation
  formsync history estimate-creation --status failed --limit 10 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", orchestrator.DefaultHistoryLimit, "maximum number of entries")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (success|failed)")

	return cmd
}

func runHistory(opts *HistoryOptions, formID string, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	status := audit.Status(opts.Status)
	if status != "" && status != audit.StatusSuccess && status != audit.StatusFailed {
		return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid status %q: must be success or failed", opts.Status), nil)
	}

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	limit := opts.Limit
	if limit <= 0 {
		limit = orchestrator.DefaultHistoryLimit
	}
	entries, err := app.Store.List(cmd.Context(), audit.Filter{
		TenantID: app.Tenant(),
		FormID:   formID,
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	return f.Success(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintf(w, "No syncs recorded for %s.\n", formID)
			return
		}
		writeEntries(w, entries)
	})
}

func writeEntries(w io.Writer, entries []audit.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYNC ID\tDATE\tEVENT\tSTATUS\tTABLES\tERRORS\tRETRY OF")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.SyncDate.UTC().Format(time.RFC3339),
			e.Event,
			e.Status,
			strings.Join(e.SyncedTables, ","),
			len(e.Errors),
			e.RetryOf,
		)
	}
	tw.Flush()
}

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Form  string
	Since time.Duration
}

// StatsResult is the stats payload with the derived success rate.
type StatsResult struct {
	audit.Stats
	FormID      string  `json:"form_id,omitempty"`
	SuccessRate float64 `json:"success_rate"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize sync outcomes",
		Long: `Summarize audit entries: totals, failures, tables written and the time of
the last sync.

Examples:
  formsync stats
  formsync stats --form lead-creation --since 24h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Form, "form", "", "only syncs of this form")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only syncs newer than this duration (e.g. 24h)")

	return cmd
}

func runStats(opts *StatsOptions, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	app, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()

	filter := audit.Filter{TenantID: app.Tenant(), FormID: opts.Form}
	if opts.Since > 0 {
		filter.Since = time.Now().Add(-opts.Since)
	}
	stats, err := app.Orchestrator.SyncStats(cmd.Context(), filter)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to read audit log", err)
	}

	result := StatsResult{Stats: stats, FormID: opts.Form, SuccessRate: stats.SuccessRate()}
	return f.Success(result, func(w io.Writer) {
		if opts.Form != "" {
			fmt.Fprintf(w, "Form: %s\n", opts.Form)
		}
		fmt.Fprintf(w, "Total syncs: %d\n", stats.Total)
		fmt.Fprintf(w, "Successful:  %d\n", stats.Successful)
		fmt.Fprintf(w, "Failed:      %d\n", stats.Failed)
		fmt.Fprintf(w, "Success rate: %.1f%%\n", 100*result.SuccessRate)
		if len(stats.SyncedTables) > 0 {
			fmt.Fprintf(w, "Tables: %s\n", strings.Join(stats.SyncedTables, ", "))
		}
		if !stats.LastSync.IsZero() {
			fmt.Fprintf(w, "Last sync: %s\n", stats.LastSync.UTC().Format(time.RFC3339))
		}
	})
}
