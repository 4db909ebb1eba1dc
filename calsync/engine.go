package calsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/storage"
	"golang.org/x/time/rate"
)

// Config wires an Engine.
type Config struct {
	Client      davclient.ResourceClient
	Meetings    storage.MeetingStore
	Events      storage.EventStore
	Credentials CredentialSource
	// Containers defaults to DefaultContainer for every organization.
	Containers ContainerResolver
	// Concurrency bounds parallel pushes in SyncOrganization.
	Concurrency int
	// Limiter, when set, throttles pushes in SyncOrganization.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Engine is the operational entry point of the sync engine.
type Engine struct {
	client     davclient.ResourceClient
	meetings   storage.MeetingStore
	events     storage.EventStore
	creds      CredentialSource
	containers ContainerResolver
	logger     *slog.Logger

	pusher     *Pusher
	reconciler *Reconciler
	dispatcher *Dispatcher
	batch      *BatchSyncer
}

// NewEngine validates cfg and builds the components.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errors.New("resource client cannot be nil")
	}
	if cfg.Meetings == nil {
		return nil, errors.New("meeting store cannot be nil")
	}
	if cfg.Events == nil {
		return nil, errors.New("event store cannot be nil")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential source cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pusher := NewPusher(cfg.Client, cfg.Meetings, logger.With("component", "push"))
	reconciler := NewReconciler(cfg.Client, cfg.Meetings, logger.With("component", "reconcile"))
	reconciler.locks = pusher.locks
	return &Engine{
		client:     cfg.Client,
		meetings:   cfg.Meetings,
		events:     cfg.Events,
		creds:      cfg.Credentials,
		containers: cfg.Containers,
		logger:     logger,
		pusher:     pusher,
		reconciler: reconciler,
		dispatcher: NewDispatcher(cfg.Events, reconciler, cfg.Credentials, cfg.Containers, logger.With("component", "dispatch")),
		batch: NewBatchSyncer(cfg.Meetings, pusher, cfg.Credentials, cfg.Containers, logger.With("component", "batch"),
			WithConcurrency(cfg.Concurrency), WithRateLimiter(cfg.Limiter)),
	}, nil
}

// PushMeeting pushes one meeting, typically right after a local edit.
func (e *Engine) PushMeeting(ctx context.Context, meetingID string) (*storage.Meeting, error) {
	m, err := e.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	creds, err := e.creds.Credentials(ctx, m.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for %s: %w", m.OrganizationID, err)
	}
	return e.pusher.Push(ctx, creds, m.ID, e.containers.resolve(m.OrganizationID))
}

// SyncOrganization pushes every stale meeting of an organization.
func (e *Engine) SyncOrganization(ctx context.Context, organizationID string) (BatchResult, error) {
	return e.batch.SyncOrganization(ctx, organizationID)
}

// CatchUp drains unprocessed sync events.
func (e *Engine) CatchUp(ctx context.Context, limit int) (CatchUpReport, error) {
	return e.dispatcher.CatchUp(ctx, limit)
}

// Reconcile pulls one remote event into the organization's meetings.
func (e *Engine) Reconcile(ctx context.Context, organizationID, externalID string) (Outcome, error) {
	creds, err := e.creds.Credentials(ctx, organizationID)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to get credentials for %s: %w", organizationID, err)
	}
	return e.reconciler.Reconcile(ctx, creds, externalID, e.containers.resolve(organizationID))
}

// Replay dispatches a stored sync event again, processed or not.
func (e *Engine) Replay(ctx context.Context, syncEventID string) error {
	ev, err := e.events.Get(ctx, syncEventID)
	if err != nil {
		return err
	}
	return e.dispatcher.Dispatch(ctx, ev)
}

// DeleteMeeting removes the meeting's remote event and then pulls that event,
// so the meeting is cancelled by the same reconciliation a remote deletion
// triggers. The remote delete is idempotent, so repeating the call is safe. A
// meeting that was never pushed has nothing to delete.
func (e *Engine) DeleteMeeting(ctx context.Context, meetingID string) (Outcome, error) {
	m, creds, err := e.deleteRemote(ctx, meetingID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	return e.reconciler.Reconcile(ctx, creds, m.ExternalEventID, e.containers.resolve(m.OrganizationID))
}

// deleteRemote deletes the remote event under the meeting's lock.
func (e *Engine) deleteRemote(ctx context.Context, meetingID string) (*storage.Meeting, davclient.Credentials, error) {
	unlock := e.pusher.locks.Lock(meetingID)
	defer unlock()

	m, err := e.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, davclient.Credentials{}, err
	}
	if m.ExternalEventID == "" {
		return nil, davclient.Credentials{}, fmt.Errorf("%w: meeting %s has no remote event", storage.ErrInvalidInput, m.ID)
	}
	creds, err := e.creds.Credentials(ctx, m.OrganizationID)
	if err != nil {
		return nil, davclient.Credentials{}, fmt.Errorf("failed to get credentials for %s: %w", m.OrganizationID, err)
	}
	if err := e.client.DeleteEvent(ctx, creds, e.containers.resolve(m.OrganizationID), m.ExternalEventID); err != nil {
		return nil, davclient.Credentials{}, fmt.Errorf("failed to delete event %s: %w", m.ExternalEventID, err)
	}
	e.logger.Info("deleted remote event", "meeting_id", m.ID, "external_id", m.ExternalEventID)
	return m, creds, nil
}
