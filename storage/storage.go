// Package storage defines the local side of the sync engine: the narrow
// contract it needs from the meeting store and the append-only log of
// webhook notifications.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/samber/mo"
)

// MeetingStore is the slice of the meeting store the sync engine touches.
type MeetingStore interface {
	// GetMeeting returns ErrNotFound when no meeting has the id.
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	// FindByExternalEventID looks a meeting up by its remote event id. No
	// match is not an error.
	FindByExternalEventID(ctx context.Context, externalID string) (mo.Option[*Meeting], error)
	// UpdateMeeting overwrites the stored meeting with the same id.
	UpdateMeeting(ctx context.Context, m *Meeting) error
	// RecordSync stores the outcome of a push: the remote event id, synced
	// set and LastSyncAt = syncedAt. Every other column is left alone.
	RecordSync(ctx context.Context, id, externalEventID string, syncedAt time.Time) error
	// AppendAudit records a change made on behalf of the remote calendar.
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	// ListStale returns the organization's meetings that need a push, in a
	// stable order. Cancelled meetings are never stale.
	ListStale(ctx context.Context, organizationID string) ([]*Meeting, error)
}

// EventStore is the durable log of received webhook notifications.
type EventStore interface {
	// Store appends ev as unprocessed. ID and ReceivedAt are filled in when
	// empty. Duplicates are kept.
	Store(ctx context.Context, ev *SyncEvent) error
	// MarkProcessed flips processed from false to true. It reports whether
	// this call made the change; a second call for the same id returns false.
	MarkProcessed(ctx context.Context, id string) (bool, error)
	// ListUnprocessed returns up to limit unprocessed events, oldest first.
	// limit <= 0 means no limit.
	ListUnprocessed(ctx context.Context, limit int) ([]*SyncEvent, error)
	// Get returns ErrNotFound when no event has the id.
	Get(ctx context.Context, id string) (*SyncEvent, error)
}

// Backend is a complete store: both contracts plus the operations the CLI and
// tests need around them.
type Backend interface {
	MeetingStore
	EventStore
	CreateMeeting(ctx context.Context, m *Meeting) error
	ListAudit(ctx context.Context, meetingID string) ([]*AuditRecord, error)
	Close() error
}

var (
	// ErrNotFound is returned when a requested record doesn't exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrConflict is returned when there's a conflict with an existing record
	ErrConflict = errors.New("record conflict")
	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
