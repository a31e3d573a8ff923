package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/config"
	"github.com/roach88/formsync/internal/dispatcher"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/orchestrator"
	"github.com/roach88/formsync/internal/pgstore"
	"github.com/roach88/formsync/internal/prefill"
	"github.com/roach88/formsync/internal/rediscache"
	"github.com/roach88/formsync/internal/registry"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/transform"
)

// records is what the orchestrator writes to and prefill reads from:
// the SQLite store, or Postgres when configured.
type records interface {
	orchestrator.RecordStore
	prefill.RecordReader
}

// App is one tenant session: configuration, forms and the engine
// components wired to the configured backends.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Registry     *registry.Registry
	Hub          *changefeed.Hub
	Store        *store.Store
	Postgres     *pgstore.Store // nil unless postgres.url is set
	Cache        *rediscache.Cache
	Orchestrator *orchestrator.Orchestrator
	Prefill      *prefill.Engine

	// Metrics collects every component's Prometheus collectors.
	Metrics           *prometheus.Registry
	DispatcherMetrics *dispatcher.Metrics

	records records
	closers []func()
}

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Options{ConfigFile: opts.ConfigFile})
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Tenant != "" {
		cfg.Tenant = opts.Tenant
	}
	if opts.FormsDir != "" {
		cfg.FormsDir = opts.FormsDir
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadForms builds the registry from dir, or from the built-in forms when
// dir is empty.
func loadForms(dir string) (*registry.Registry, error) {
	transforms := transform.NewRegistry()
	if dir == "" {
		return registry.LoadDefault(transforms)
	}
	return registry.LoadDir(dir, transforms)
}

// openApp loads configuration and forms, opens the stores and builds the
// orchestrator and prefill engine. Logs go to logw. The caller must Close
// the App.
func openApp(ctx context.Context, opts *RootOptions, logw io.Writer) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, setupFailed(ErrCodeConfig, "failed to load config", err)
	}

	logger := slog.New(cfg.Logging.Handler(logw))
	slog.SetDefault(logger)

	reg, err := loadForms(cfg.FormsDir)
	if err != nil {
		return nil, setupFailed(ErrCodeForms, "failed to load forms", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  prometheus.NewRegistry(),
	}
	app.DispatcherMetrics = dispatcher.NewMetrics(app.Metrics)
	app.Hub = changefeed.NewHub(changefeed.WithDropHook(app.DispatcherMetrics.HubDropHook()))
	app.closers = append(app.closers, app.Hub.Close)

	if err := app.openStores(ctx); err != nil {
		app.Close()
		return nil, err
	}

	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	var snapshots prefill.SnapshotStore = app.Store
	if app.Cache != nil {
		notifiers = append(notifiers, notify.NewPubSub(app.Cache, cfg.Notify.Channel))
		snapshots = app.Cache
	}

	app.Orchestrator = orchestrator.New(reg, app.records, app.Store.AuditLog(),
		orchestrator.WithTenant(app.Tenant()),
		orchestrator.WithLogger(logger),
		orchestrator.WithNotifier(notifiers),
		orchestrator.WithFiringLog(app.Store),
		orchestrator.WithMetrics(orchestrator.NewMetrics(app.Metrics)),
	)
	app.Prefill = prefill.New(reg, app.records, app.Store,
		prefill.WithLogger(logger),
		prefill.WithCacheTTL(cfg.Prefill.CacheTTL),
		prefill.WithSnapshots(snapshots),
	)
	return app, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config

	path := cfg.Database.Path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return setupFailed(ErrCodeStore, "failed to create database directory", err)
	}
	a.Logger.Debug("opening database", "path", path)
	st, err := store.Open(path, store.WithHub(a.Hub))
	if err != nil {
		return setupFailed(ErrCodeStore, "failed to open database", err)
	}
	a.Store = st
	a.records = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			a.Logger.Error("error closing database", "error", err)
		}
	})

	if cfg.Postgres.URL != "" {
		pg, err := pgstore.Open(ctx, cfg.Postgres.URL, pgstore.WithLogger(a.Logger))
		if err != nil {
			return setupFailed(ErrCodeStore, "failed to open postgres", err)
		}
		a.Postgres = pg
		a.records = pg
		a.closers = append(a.closers, pg.Close)

		if cfg.Postgres.InstallTrigger {
			tables := slices.Sorted(maps.Keys(dispatcher.BuildTableMappings(a.Registry)))
			if err := pg.InstallTriggers(ctx, tables...); err != nil {
				return setupFailed(ErrCodeStore, "failed to install change triggers", err)
			}
			a.Logger.Info("change triggers installed", "tables", len(tables))
		}
	}

	if cfg.Redis.URL != "" {
		cache, err := rediscache.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return setupFailed(ErrCodeStore, "failed to open redis", err)
		}
		a.Cache = cache
		a.closers = append(a.closers, func() {
			if err := cache.Close(); err != nil {
				a.Logger.Error("error closing redis", "error", err)
			}
		})
	}
	return nil
}

// Tenant is the tenant every command runs as.
func (a *App) Tenant() string {
	return a.Config.Tenant
}

// Entry returns the audit entry syncID of the session tenant. Entries of
// other tenants are reported as store.ErrNotFound.
func (a *App) Entry(ctx context.Context, syncID string) (audit.Entry, error) {
	entry, err := a.Store.GetEntry(ctx, syncID)
	if err != nil {
		return audit.Entry{}, err
	}
	if entry.TenantID != a.Tenant() {
		return audit.Entry{}, fmt.Errorf("audit entry %s: %w", syncID, store.ErrNotFound)
	}
	return entry, nil
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// formatterFor builds the output formatter of cmd's streams.
func formatterFor(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut, // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// setupError is an openApp failure with its CLIError code.
type setupError struct {
	code    string
	message string
	err     error
}

func (e *setupError) Error() string {
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *setupError) Unwrap() error {
	return e.err
}

func setupFailed(code, message string, err error) *setupError {
	return &setupError{code: code, message: message, err: err}
}

// appError reports an openApp failure in the configured format and maps
// it to ExitCommandError.
func appError(f *OutputFormatter, err error) error {
	var se *setupError
	if errors.As(err, &se) {
		return f.fail(ExitCommandError, se.code, se.message, se.err)
	}
	return f.fail(ExitCommandError, ErrCodeGeneric, "failed to start", err)
}
