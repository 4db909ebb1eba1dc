package calsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/cyp0633/meetsync/storage"
	"github.com/google/uuid"
)

// DefaultContainer is used when no container name is given.
const DefaultContainer = "meetings"

// Pusher writes local meetings to the remote calendar.
type Pusher struct {
	client davclient.ResourceClient
	store  storage.MeetingStore
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewPusher creates a Pusher. A nil logger discards output.
func NewPusher(client davclient.ResourceClient, store storage.MeetingStore, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pusher{
		client: client,
		store:  store,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// EventFromMeeting builds the remote event for m under id.
func EventFromMeeting(m *storage.Meeting, id string) ics.Event {
	ev := ics.Event{
		ID:          id,
		Summary:     m.Title,
		Description: m.Description,
		Start:       m.ScheduledAt.UTC(),
		Location:    m.Location,
		URL:         m.MeetingURL,
		Status:      ics.StatusConfirmed,
	}
	if m.DurationMinutes > 0 {
		ev.End = ev.Start.Add(m.Duration())
	}
	return ev
}

// Push writes the stored meeting to container and records the remote id on
// success. An empty container means DefaultContainer.
//
// The meeting is read under its lock, so the event always reflects the latest
// row. A meeting that was pushed before is updated in place. If that fails for
// a reason other than rejected credentials, the event is recreated under a
// fresh id. Only the sync fields are written back, and only after a confirmed
// write. LastSyncAt marks the state that was read, so edits that land during
// the push leave the meeting stale. Cancelled meetings are refused.
func (p *Pusher) Push(ctx context.Context, creds davclient.Credentials, meetingID, container string) (*storage.Meeting, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("%w: meeting id is empty", storage.ErrInvalidInput)
	}
	if container == "" {
		container = DefaultContainer
	}

	unlock := p.locks.Lock(meetingID)
	defer unlock()

	readAt := p.now()
	m, err := p.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting %s: %w", meetingID, err)
	}
	if m.Status == storage.MeetingCancelled {
		return nil, fmt.Errorf("%w: meeting %s is cancelled", storage.ErrInvalidInput, m.ID)
	}
	if m.UpdatedAt.After(readAt) {
		readAt = m.UpdatedAt
	}

	logger := p.logger.With("meeting_id", m.ID, "container", container)

	if err := p.client.EnsureContainer(ctx, creds, container); err != nil {
		return nil, fmt.Errorf("failed to ensure container %s: %w", container, err)
	}

	var (
		ref  davclient.ResourceRef
		done bool
	)
	if m.ExternalEventID != "" && m.ExternallySynced {
		ref, err = p.client.PutEvent(ctx, creds, container, EventFromMeeting(m, m.ExternalEventID))
		switch {
		case err == nil:
			done = true
		case errors.Is(err, davclient.ErrUnauthorized), ctx.Err() != nil:
			return nil, fmt.Errorf("failed to update event %s: %w", m.ExternalEventID, err)
		default:
			logger.Warn("update in place failed, recreating event",
				"external_id", m.ExternalEventID,
				"error", err)
		}
	}

	if !done {
		ref, err = p.client.PutEvent(ctx, creds, container, EventFromMeeting(m, p.newID()))
		if err != nil {
			return nil, fmt.Errorf("failed to create event: %w", err)
		}
	}

	if err := p.store.RecordSync(ctx, m.ID, ref.ID, readAt); err != nil {
		// The remote write stands; the next push overwrites or recreates it.
		return nil, fmt.Errorf("failed to record sync of meeting %s: %w", m.ID, err)
	}
	m.ExternalEventID = ref.ID
	m.ExternallySynced = true
	m.LastSyncAt = &readAt

	logger.Info("pushed meeting", "external_id", ref.ID, "url", ref.URL)
	return m, nil
}
