package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingScheduled  MeetingStatus = "scheduled"
	MeetingInProgress MeetingStatus = "in_progress"
	MeetingCompleted  MeetingStatus = "completed"
	MeetingCancelled  MeetingStatus = "cancelled"
)

// Meeting is the local meeting record.
type Meeting struct {
	ID             string
	OrganizationID string
	Title          string
	Description    string
	ScheduledAt    time.Time
	// DurationMinutes is the planned length; zero means unknown.
	DurationMinutes int
	Location        string
	MeetingURL      string

	// ExternalEventID is the remote event id, empty when never pushed.
	ExternalEventID  string
	ExternallySynced bool
	LastSyncAt       *time.Time

	UpdatedAt time.Time
	Status    MeetingStatus
}

// Duration returns DurationMinutes as a time.Duration.
func (m *Meeting) Duration() time.Duration {
	return time.Duration(m.DurationMinutes) * time.Minute
}

// IsStale reports whether the meeting needs to be pushed: it was never
// synced, or it changed after the last sync. Cancelled meetings are never
// stale.
func (m *Meeting) IsStale() bool {
	if m.Status == MeetingCancelled {
		return false
	}
	if !m.ExternallySynced || m.LastSyncAt == nil {
		return true
	}
	return m.LastSyncAt.Before(m.UpdatedAt)
}

// Clone returns a deep copy.
func (m *Meeting) Clone() *Meeting {
	c := *m
	if m.LastSyncAt != nil {
		t := *m.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}

// Validate checks the fields every store requires.
func (m *Meeting) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: meeting id is empty", ErrInvalidInput)
	}
	if m.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: meeting %s has no scheduled time", ErrInvalidInput, m.ID)
	}
	if m.DurationMinutes < 0 {
		return fmt.Errorf("%w: meeting %s has negative duration", ErrInvalidInput, m.ID)
	}
	return nil
}

// Actions carried by SyncEvent.EventType.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// SyncEvent is one received webhook notification.
type SyncEvent struct {
	ID string
	// EventType is the raw notification type, e.g. "event.updated".
	EventType    string
	ExternalID   string
	ResourceType string
	// ResourceID is informational only.
	ResourceID string
	// OrganizationID is an optional hint used to pick credentials and the
	// container.
	OrganizationID string
	Payload        json.RawMessage
	Processed      bool
	ProcessedAt    *time.Time
	ReceivedAt     time.Time
}

// Action returns the part of EventType after the last dot, lower-cased.
func (e *SyncEvent) Action() string {
	t := strings.ToLower(strings.TrimSpace(e.EventType))
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}

// Validate checks the fields every store requires.
func (e *SyncEvent) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: event type is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(e.ExternalID) == "" {
		return fmt.Errorf("%w: external id is empty", ErrInvalidInput)
	}
	return nil
}

// Clone returns a deep copy.
func (e *SyncEvent) Clone() *SyncEvent {
	c := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// Audit actions and sources.
const (
	AuditRemoteUpdate = "remote_update"
	AuditRemoteCancel = "remote_cancel"

	SourcePull    = "pull"
	SourceWebhook = "webhook"
)

// AuditRecord notes a change applied to a meeting because of the remote
// calendar.
type AuditRecord struct {
	ID            string
	MeetingID     string
	Action        string
	ExternalID    string
	ChangedFields []string
	Source        string
	CreatedAt     time.Time
}
