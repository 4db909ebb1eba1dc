package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/cyp0633/meetsync/calsync"
	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/internal/config"
	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/storage/memory"
	"github.com/cyp0633/meetsync/storage/postgres"
	"github.com/cyp0633/meetsync/storage/sqlite"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// app carries what every subcommand needs.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	// httpClient overrides the CalDAV client's transport in tests.
	httpClient *http.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "meetsync",
		Short: "Keep meetings and a CalDAV calendar in sync",
		Long: `meetsync pushes local meetings to a CalDAV calendar and applies remote
changes reported by webhook notifications.

  push        Push one meeting after a local edit
  delete      Cancel a meeting and remove its remote event
  sync-org    Push every stale meeting of an organization
  pull        Apply the current remote state of one event
  ingest      Store a webhook notification
  catchup     Apply unprocessed webhook notifications
  replay      Apply a stored notification again
  schedule    Run catch-up and organization passes on a cron schedule
  migrate     Create or upgrade the storage schema`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "Path to the config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log debug output")

	root.AddCommand(
		newPushCmd(a),
		newDeleteCmd(a),
		newSyncOrgCmd(a),
		newPullCmd(a),
		newIngestCmd(a),
		newCatchUpCmd(a),
		newReplayCmd(a),
		newScheduleCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Level()
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) openStore(ctx context.Context) (storage.Backend, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(a.cfg.Storage.DSN)
	case config.DriverPostgres:
		s, err := postgres.New(a.cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

func (a *app) newEngine(store storage.Backend) (*calsync.Engine, error) {
	cfg := a.cfg
	client, err := davclient.New(davclient.Options{
		BaseURL:        cfg.Remote.BaseURL,
		HTTPClient:     a.httpClient,
		RequestTimeout: cfg.Remote.Timeout,
		Logger:         a.logger.With("component", "davclient"),
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.Sync.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Sync.RequestsPerSecond), max(cfg.Sync.Burst, 1))
	}

	return calsync.NewEngine(calsync.Config{
		Client:      client,
		Meetings:    store,
		Events:      store,
		Credentials: cfg,
		Containers:  cfg.ContainerFor,
		Concurrency: cfg.Sync.Concurrency,
		Limiter:     limiter,
		Logger:      a.logger,
	})
}

// withEngine opens the store, builds an engine and runs fn.
func (a *app) withEngine(ctx context.Context, fn func(*calsync.Engine, storage.Backend) error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	engine, err := a.newEngine(store)
	if err != nil {
		return err
	}
	return fn(engine, store)
}
