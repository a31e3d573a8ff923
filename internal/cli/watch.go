package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/formsync/internal/dispatcher"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/pgstore"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MetricsAddr string
	Pause       []string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run form syncs for row changes made by other clients",
		Long: `Subscribe to row changes of every table a form watches and run the
interested forms' sync rules for each change.

Inserts on a form's primary table run its create rules, updates on its
primary or associated tables its update rules, and deletes on its primary
table its delete rules. Changes written by formsync itself are skipped
unless dispatcher.engine_writes is set.

With postgres.url configured, changes arrive over LISTEN/NOTIFY;
otherwise only writes made through this process's store are seen.

Example:
  formsync watch --metrics-addr :9090
  formsync watch --config prod.yaml --pause calendar_events`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	cmd.Flags().StringSliceVar(&opts.Pause, "pause", nil, "tables to start paused")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	app, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return appError(f, err)
	}
	defer app.Close()
	logger := app.Logger
	cfg := app.Config.Dispatcher

	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithMaxConcurrent(cfg.MaxConcurrent),
		dispatcher.WithMetrics(app.DispatcherMetrics),
		dispatcher.WithEngineWrites(cfg.EngineWrites),
	}
	if cfg.RateLimit > 0 {
		dispOpts = append(dispOpts, dispatcher.WithRateLimit(rate.Limit(cfg.RateLimit), cfg.Burst))
	}
	disp := dispatcher.New(app.Registry, app.Hub, app.Orchestrator, app.Tenant(), dispOpts...)

	unsubscribe := app.Orchestrator.SubscribeSyncStatus(orchestrator.AllForms, func(s orchestrator.SyncStatus) {
		switch s.Status {
		case orchestrator.StatusCompleted:
			logger.Info("sync completed", "sync_id", s.ID, "form_id", s.FormID)
		case orchestrator.StatusFailed:
			logger.Warn("sync failed", "sync_id", s.ID, "form_id", s.FormID, "error", s.ErrorMessage)
		}
	})
	defer unsubscribe()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := disp.Start(ctx); err != nil {
		return f.fail(ExitCommandError, ErrCodeGeneric, "failed to start dispatcher", err)
	}
	defer disp.Stop()

	for _, table := range opts.Pause {
		if err := disp.PauseTableSync(table); err != nil {
			return f.fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("cannot pause %s", table), err)
		}
	}

	errCh := make(chan error, 2)
	if app.Postgres != nil {
		ln := pgstore.NewListener(app.Postgres.Pool(), app.Hub, pgstore.WithListenerLogger(logger))
		go func() {
			if err := ln.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("change listener: %w", err)
			}
		}()
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = app.Config.Metrics.Addr
	}
	if addr != "" {
		srv := metricsServer(app, addr)
		go func() {
			logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown", "error", err)
			}
		}()
	}

	active := disp.ActiveSubscriptions()
	logger.Info("dispatcher started", "tenant_id", app.Tenant(), "tables", len(active))
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d table(s) for tenant %s.\n", len(active), app.Tenant())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return WrapExitError(ExitFailure, "watch stopped", err)
	}

	logger.Info("dispatcher stopped gracefully")
	return nil
}

func metricsServer(app *App, addr string) *http.Server {
	app.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Metrics, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
