package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cyp0633/meetsync/calsync"
	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/webhook"
	"github.com/spf13/cobra"
)

func newPushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push <meeting-id>",
		Short: "Push one meeting to the remote calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				m, err := e.PushMeeting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %s as %s\n", m.ID, m.ExternalEventID)
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <meeting-id>",
		Short: "Delete the remote event of a meeting and pull the cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				outcome, err := e.DeleteMeeting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted remote event of %s: %s\n", args[0], outcome)
				return nil
			})
		},
	}
}

func newSyncOrgCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-org <organization-id>",
		Short: "Push every stale meeting of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				result, err := e.SyncOrganization(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "succeeded: %d\n", result.Succeeded)
				fmt.Fprintf(out, "failed: %d\n", len(result.Failed))
				for _, id := range result.Failed {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return result.Err()
			})
		},
	}
}

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <organization-id> <external-id>",
		Short: "Apply the current remote state of one event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				outcome, err := e.Reconcile(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), outcome)
				return nil
			})
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	var dispatch bool

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Store a webhook notification read from a file or stdin",
		Long: `Store a webhook notification. The payload is JSON with at least
"eventType" and "externalId". Without a file argument it is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, store storage.Backend) error {
				ing, err := webhook.NewIngestor(store, a.logger.With("component", "webhook"))
				if err != nil {
					return err
				}
				ev, err := ing.Ingest(cmd.Context(), payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", ev.ID)
				if dispatch {
					return e.Replay(cmd.Context(), ev.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "Apply the notification right away")
	return cmd
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func newCatchUpCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Apply unprocessed webhook notifications, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.CatchUp.Limit
			}
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				report, err := e.CatchUp(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "processed: %d\n", report.Processed)
				fmt.Fprintf(out, "skipped: %d\n", report.Skipped)
				fmt.Fprintf(out, "failed: %d\n", len(report.Failed))
				for _, id := range report.Failed {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum notifications to apply (0 means all; default from config)")
	return cmd
}

func newReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <sync-event-id>",
		Short: "Apply a stored notification again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *calsync.Engine, _ storage.Backend) error {
				if err := e.Replay(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", args[0])
				return nil
			})
		},
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the storage schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			m, ok := store.(migrator)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s storage has no schema\n", a.cfg.Storage.Driver)
				return nil
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", a.cfg.Storage.Driver)
			return nil
		},
	}
}
