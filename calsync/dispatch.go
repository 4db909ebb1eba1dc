package calsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/storage"
)

// CredentialSource supplies remote credentials for an organization.
type CredentialSource interface {
	Credentials(ctx context.Context, organizationID string) (davclient.Credentials, error)
}

// StaticCredentials uses the same credentials for every organization.
type StaticCredentials davclient.Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(context.Context, string) (davclient.Credentials, error) {
	return davclient.Credentials(s), nil
}

// ContainerResolver maps an organization to its remote container name. An
// empty result means DefaultContainer.
type ContainerResolver func(organizationID string) string

func (r ContainerResolver) resolve(organizationID string) string {
	if r == nil {
		return DefaultContainer
	}
	if name := r(organizationID); name != "" {
		return name
	}
	return DefaultContainer
}

// CatchUpReport summarizes one catch-up pass.
type CatchUpReport struct {
	// Processed counts events handled and claimed by this pass.
	Processed int
	// Skipped counts events that were already claimed by another pass.
	Skipped int
	// Failed holds the ids of events left unprocessed.
	Failed []string
}

// Dispatcher applies stored sync events.
type Dispatcher struct {
	events     storage.EventStore
	reconciler *Reconciler
	creds      CredentialSource
	containers ContainerResolver
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger discards output.
func NewDispatcher(events storage.EventStore, reconciler *Reconciler, creds CredentialSource, containers ContainerResolver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		events:     events,
		reconciler: reconciler,
		creds:      creds,
		containers: containers,
		logger:     logger,
	}
}

// Dispatch handles ev and marks it processed when the handler succeeded.
// Events of unknown kind are marked processed without any other effect. A
// failed handler leaves the event for the next catch-up pass.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *storage.SyncEvent) error {
	_, err := d.dispatch(ctx, ev)
	return err
}

// dispatch reports whether this call claimed the event.
func (d *Dispatcher) dispatch(ctx context.Context, ev *storage.SyncEvent) (bool, error) {
	logger := d.logger.With(
		"event_id", ev.ID,
		"type", ev.EventType,
		"external_id", ev.ExternalID)

	if err := d.handle(ctx, ev, logger); err != nil {
		logger.Error("sync event left unprocessed", "error", err)
		return false, err
	}

	claimed, err := d.events.MarkProcessed(ctx, ev.ID)
	if err != nil {
		logger.Error("failed to mark sync event processed", "error", err)
		return false, fmt.Errorf("failed to mark event %s processed: %w", ev.ID, err)
	}
	if !claimed {
		logger.Debug("sync event already processed")
	}
	return claimed, nil
}

func (d *Dispatcher) handle(ctx context.Context, ev *storage.SyncEvent, logger *slog.Logger) error {
	switch action := ev.Action(); action {
	case storage.ActionCreated, storage.ActionUpdated:
		creds, err := d.creds.Credentials(ctx, ev.OrganizationID)
		if err != nil {
			return fmt.Errorf("failed to get credentials: %w", err)
		}
		outcome, err := d.reconciler.reconcile(ctx, creds, ev.ExternalID, d.containers.resolve(ev.OrganizationID), storage.SourceWebhook)
		if err != nil {
			return err
		}
		logger.Debug("reconciled", "outcome", outcome)
	case storage.ActionDeleted:
		outcome, err := d.reconciler.Tombstone(ctx, ev.ExternalID, storage.SourceWebhook)
		if err != nil {
			return err
		}
		logger.Debug("tombstoned", "outcome", outcome)
	default:
		logger.Warn("skipping sync event of unknown kind", "action", action)
	}
	return nil
}

// CatchUp drains up to limit unprocessed events, oldest first. limit <= 0
// drains all of them. Per-event failures are reported, not returned.
func (d *Dispatcher) CatchUp(ctx context.Context, limit int) (CatchUpReport, error) {
	var report CatchUpReport

	pending, err := d.events.ListUnprocessed(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		claimed, err := d.dispatch(ctx, ev)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, ev.ID)
		case claimed:
			report.Processed++
		default:
			report.Skipped++
		}
	}

	if len(pending) > 0 {
		d.logger.Info("catch-up pass finished",
			"processed", report.Processed,
			"skipped", report.Skipped,
			"failed", len(report.Failed))
	}
	return report, nil
}
