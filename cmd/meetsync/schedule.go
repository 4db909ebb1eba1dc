package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cyp0633/meetsync/calsync"
	"github.com/cyp0633/meetsync/internal/config"
	"github.com/cyp0633/meetsync/storage"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newScheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run catch-up and organization passes on a cron schedule",
		Long: `Run in the foreground, applying webhook notifications on
catchup.schedule and pushing stale meetings of every listed organization on
sync.schedule. Edits to the config file are picked up without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.withEngine(ctx, func(e *calsync.Engine, store storage.Backend) error {
				return a.runSchedule(ctx, e, store)
			})
		},
	}
}

// newScheduler registers the configured jobs. Overlapping runs of the same
// job are skipped.
func (a *app) newScheduler(ctx context.Context, cfg *config.Config, e *calsync.Engine) (*cron.Cron, error) {
	logger := cronLogger{a.logger.With("component", "cron")}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	if cfg.CatchUp.Schedule != "" {
		limit := cfg.CatchUp.Limit
		if _, err := c.AddFunc(cfg.CatchUp.Schedule, func() {
			if _, err := e.CatchUp(ctx, limit); err != nil {
				a.logger.Error("scheduled catch-up failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule catch-up: %w", err)
		}
	}

	if cfg.Sync.Schedule != "" {
		orgs := cfg.OrganizationIDs()
		if len(orgs) == 0 {
			a.logger.Warn("sync.schedule is set but no organizations are listed")
		}
		for _, org := range orgs {
			if _, err := c.AddFunc(cfg.Sync.Schedule, func() {
				result, err := e.SyncOrganization(ctx, org)
				if err != nil {
					a.logger.Error("scheduled organization sync failed", "organization_id", org, "error", err)
					return
				}
				if err := result.Err(); err != nil {
					a.logger.Warn("scheduled organization sync had failures", "organization_id", org, "error", err)
				}
			}); err != nil {
				return nil, fmt.Errorf("failed to schedule sync of %s: %w", org, err)
			}
		}
	}
	return c, nil
}

func (a *app) runSchedule(ctx context.Context, e *calsync.Engine, store storage.Backend) error {
	c, err := a.newScheduler(ctx, a.cfg, e)
	if err != nil {
		return err
	}
	c.Start()
	a.logger.Info("scheduler running", "entries", len(c.Entries()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		<-c.Stop().Done()
		return fmt.Errorf("failed to watch config: %w", err)
	}
	defer watcher.Close()

	configPath, _ := filepath.Abs(a.configPath)
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		a.logger.Warn("config changes will not be picked up", "path", configPath, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("stopping scheduler")
			<-c.Stop().Done()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if !isConfigChange(event, configPath) {
				continue
			}
			next, err := a.reload(ctx, store)
			if err != nil {
				a.logger.Error("config reload failed, keeping current schedule", "error", err)
				continue
			}
			<-c.Stop().Done()
			c = next
			c.Start()
			a.logger.Info("config reloaded", "entries", len(c.Entries()))

		case err, ok := <-watcher.Errors:
			if ok {
				a.logger.Warn("config watcher error", "error", err)
			}
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

func isConfigChange(event fsnotify.Event, configPath string) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != configPath {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload reads the config again and builds a scheduler for it. The storage
// section is not reloaded.
func (a *app) reload(ctx context.Context, store storage.Backend) (*cron.Cron, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage != a.cfg.Storage {
		a.logger.Warn("storage settings changed; restart to apply them")
		cfg.Storage = a.cfg.Storage
	}

	prev := a.cfg
	a.cfg = cfg
	e, err := a.newEngine(store)
	if err != nil {
		a.cfg = prev
		return nil, err
	}
	c, err := a.newScheduler(ctx, cfg, e)
	if err != nil {
		a.cfg = prev
		return nil, err
	}
	return c, nil
}
