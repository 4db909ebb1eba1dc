package calsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/cyp0633/meetsync/storage"
)

// Outcome says what a reconciliation did to the local meeting.
type Outcome int

const (
	// OutcomeNoLocalMeeting: no meeting carries the external id.
	OutcomeNoLocalMeeting Outcome = iota
	// OutcomeUnchanged: only the last sync time moved, if anything.
	OutcomeUnchanged
	// OutcomeUpdated: remote fields were copied onto the meeting.
	OutcomeUpdated
	// OutcomeCancelled: the meeting was cancelled because the remote event is gone.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoLocalMeeting:
		return "no-local-meeting"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeUpdated:
		return "updated"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Names used in audit records.
const (
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldScheduledAt      = "scheduledAt"
	FieldDurationMinutes  = "durationMinutes"
	FieldLocation         = "location"
	FieldMeetingURL       = "meetingUrl"
	FieldStatus           = "status"
	FieldExternallySynced = "externallySynced"
)

// Reconciler applies the current remote state of an event to its meeting.
type Reconciler struct {
	client davclient.ResourceClient
	store  storage.MeetingStore
	// locks is shared with the Pusher so pushes and pulls of one meeting
	// never interleave.
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler. A nil logger discards output.
func NewReconciler(client davclient.ResourceClient, store storage.MeetingStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{client: client, store: store, locks: newKeyedMutex(), logger: logger, now: time.Now}
}

// Reconcile fetches externalID from container and updates the matching
// meeting. A missing remote event cancels the meeting. Nothing is fetched when
// no meeting carries externalID.
func (r *Reconciler) Reconcile(ctx context.Context, creds davclient.Credentials, externalID, container string) (Outcome, error) {
	return r.reconcile(ctx, creds, externalID, container, storage.SourcePull)
}

func (r *Reconciler) reconcile(ctx context.Context, creds davclient.Credentials, externalID, container, source string) (Outcome, error) {
	if container == "" {
		container = DefaultContainer
	}

	m, unlock, err := r.lockMeeting(ctx, externalID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if m == nil {
		return OutcomeNoLocalMeeting, nil
	}
	defer unlock()

	// Fetched under the lock so a push in flight cannot overwrite what is read.
	remote, err := r.client.GetEvent(ctx, creds, container, externalID)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to fetch event %s: %w", externalID, err)
	}
	ev, ok := remote.Get()
	if !ok {
		return r.tombstone(ctx, m, externalID, source)
	}

	now := r.now()
	changed := diff(m, ev)
	if len(changed) == 0 {
		m.LastSyncAt = &now
		if err := r.store.UpdateMeeting(ctx, m); err != nil {
			return OutcomeUnchanged, fmt.Errorf("failed to update meeting %s: %w", m.ID, err)
		}
		return OutcomeUnchanged, nil
	}

	apply(m, ev)
	m.UpdatedAt = now
	m.LastSyncAt = &now
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to update meeting %s: %w", m.ID, err)
	}
	if err := r.store.AppendAudit(ctx, &storage.AuditRecord{
		MeetingID:     m.ID,
		Action:        storage.AuditRemoteUpdate,
		ExternalID:    externalID,
		ChangedFields: changed,
		Source:        source,
		CreatedAt:     now,
	}); err != nil {
		return OutcomeUpdated, fmt.Errorf("failed to record audit for meeting %s: %w", m.ID, err)
	}

	r.logger.Info("applied remote changes",
		"meeting_id", m.ID,
		"external_id", externalID,
		"fields", changed)
	return OutcomeUpdated, nil
}

// Tombstone cancels the meeting whose remote event no longer exists.
// Cancelling an already cancelled, unsynced meeting does nothing.
func (r *Reconciler) Tombstone(ctx context.Context, externalID, source string) (Outcome, error) {
	m, unlock, err := r.lockMeeting(ctx, externalID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if m == nil {
		return OutcomeNoLocalMeeting, nil
	}
	defer unlock()
	return r.tombstone(ctx, m, externalID, source)
}

// lockMeeting finds the meeting carrying externalID, locks it and reads it
// again under the lock. A nil meeting means there is no match, in which case
// nothing is locked.
func (r *Reconciler) lockMeeting(ctx context.Context, externalID string) (*storage.Meeting, func(), error) {
	found, err := r.store.FindByExternalEventID(ctx, externalID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up meeting for %s: %w", externalID, err)
	}
	candidate, ok := found.Get()
	if !ok {
		r.logger.Debug("no local meeting for remote event", "external_id", externalID)
		return nil, nil, nil
	}

	unlock := r.locks.Lock(candidate.ID)
	m, err := r.store.GetMeeting(ctx, candidate.ID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("failed to load meeting %s: %w", candidate.ID, err)
	}
	if m.ExternalEventID != externalID {
		// A push recreated the event under a new id in the meantime.
		unlock()
		r.logger.Debug("meeting moved to another remote event",
			"meeting_id", m.ID,
			"external_id", externalID,
			"current_external_id", m.ExternalEventID)
		return nil, nil, nil
	}
	return m, unlock, nil
}

func (r *Reconciler) tombstone(ctx context.Context, m *storage.Meeting, externalID, source string) (Outcome, error) {
	if m.Status == storage.MeetingCancelled && !m.ExternallySynced {
		return OutcomeUnchanged, nil
	}

	now := r.now()
	m.Status = storage.MeetingCancelled
	m.ExternallySynced = false
	m.UpdatedAt = now
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to cancel meeting %s: %w", m.ID, err)
	}
	if err := r.store.AppendAudit(ctx, &storage.AuditRecord{
		MeetingID:     m.ID,
		Action:        storage.AuditRemoteCancel,
		ExternalID:    externalID,
		ChangedFields: []string{FieldStatus, FieldExternallySynced},
		Source:        source,
		CreatedAt:     now,
	}); err != nil {
		return OutcomeCancelled, fmt.Errorf("failed to record audit for meeting %s: %w", m.ID, err)
	}

	r.logger.Info("cancelled meeting after remote deletion",
		"meeting_id", m.ID,
		"external_id", externalID)
	return OutcomeCancelled, nil
}

// diff compares the fields that decide whether a remote change happened and,
// when one did, also reports description and duration changes.
func diff(m *storage.Meeting, ev ics.Event) []string {
	trigger := ev.Summary != m.Title ||
		!sameSecond(ev.Start, m.ScheduledAt) ||
		ev.Location != m.Location ||
		ev.URL != m.MeetingURL
	if !trigger {
		return nil
	}

	var changed []string
	if ev.Summary != m.Title {
		changed = append(changed, FieldTitle)
	}
	if ev.Description != m.Description {
		changed = append(changed, FieldDescription)
	}
	if !sameSecond(ev.Start, m.ScheduledAt) {
		changed = append(changed, FieldScheduledAt)
	}
	if durationOf(m, ev) != m.DurationMinutes {
		changed = append(changed, FieldDurationMinutes)
	}
	if ev.Location != m.Location {
		changed = append(changed, FieldLocation)
	}
	if ev.URL != m.MeetingURL {
		changed = append(changed, FieldMeetingURL)
	}
	return changed
}

func apply(m *storage.Meeting, ev ics.Event) {
	m.DurationMinutes = durationOf(m, ev)
	m.Title = ev.Summary
	m.Description = ev.Description
	m.ScheduledAt = ev.Start.UTC()
	m.Location = ev.Location
	m.MeetingURL = ev.URL
}

// durationOf uses the remote span when the event has a usable end.
func durationOf(m *storage.Meeting, ev ics.Event) int {
	if ev.End.IsZero() || !ev.End.After(ev.Start) {
		return m.DurationMinutes
	}
	return int(ev.End.Sub(ev.Start) / time.Minute)
}

func sameSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}
