// memory based implementation for testing purposes
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyp0633/meetsync/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Store implements storage.Backend using in-memory maps
type Store struct {
	mu       sync.RWMutex
	meetings map[string]*storage.Meeting
	events   map[string]*storage.SyncEvent
	order    []string // event ids in insertion order
	audit    []*storage.AuditRecord
	now      func() time.Time
}

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		meetings: make(map[string]*storage.Meeting),
		events:   make(map[string]*storage.SyncEvent),
		now:      time.Now,
	}
}

// Meeting operations

func (s *Store) CreateMeeting(_ context.Context, m *storage.Meeting) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meetings[m.ID]; ok {
		return fmt.Errorf("%w: meeting %s already exists", storage.ErrConflict, m.ID)
	}
	c := m.Clone()
	if c.Status == "" {
		c.Status = storage.MeetingScheduled
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.meetings[m.ID] = c
	return nil
}

func (s *Store) GetMeeting(_ context.Context, id string) (*storage.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Store) FindByExternalEventID(_ context.Context, externalID string) (mo.Option[*storage.Meeting], error) {
	if externalID == "" {
		return mo.None[*storage.Meeting](), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.meetings {
		if m.ExternalEventID == externalID {
			return mo.Some(m.Clone()), nil
		}
	}
	return mo.None[*storage.Meeting](), nil
}

func (s *Store) UpdateMeeting(_ context.Context, m *storage.Meeting) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meetings[m.ID]; !ok {
		return fmt.Errorf("meeting %s: %w", m.ID, storage.ErrNotFound)
	}
	s.meetings[m.ID] = m.Clone()
	return nil
}

func (s *Store) RecordSync(_ context.Context, id, externalEventID string, syncedAt time.Time) error {
	if id == "" || externalEventID == "" {
		return fmt.Errorf("%w: meeting id and external event id are required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[id]
	if !ok {
		return fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	at := syncedAt
	m.ExternalEventID = externalEventID
	m.ExternallySynced = true
	m.LastSyncAt = &at
	return nil
}

func (s *Store) ListStale(_ context.Context, organizationID string) ([]*storage.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Meeting
	for _, m := range s.meetings {
		if m.OrganizationID == organizationID && m.IsStale() {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Audit operations

func (s *Store) AppendAudit(_ context.Context, rec *storage.AuditRecord) error {
	if rec.MeetingID == "" {
		return fmt.Errorf("%w: audit record has no meeting id", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	if c.ID == "" {
		c.ID = uuid.New().String()
		rec.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		rec.CreatedAt = c.CreatedAt
	}
	c.ChangedFields = append([]string(nil), rec.ChangedFields...)
	s.audit = append(s.audit, &c)
	return nil
}

func (s *Store) ListAudit(_ context.Context, meetingID string) ([]*storage.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AuditRecord
	for _, r := range s.audit {
		if r.MeetingID == meetingID {
			c := *r
			c.ChangedFields = append([]string(nil), r.ChangedFields...)
			out = append(out, &c)
		}
	}
	return out, nil
}

// Event operations

func (s *Store) Store(_ context.Context, ev *storage.SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("%w: sync event %s already exists", storage.ErrConflict, ev.ID)
	}
	ev.Processed = false
	ev.ProcessedAt = nil

	s.events[ev.ID] = ev.Clone()
	s.order = append(s.order, ev.ID)
	return nil
}

func (s *Store) MarkProcessed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return false, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	if ev.Processed {
		return false, nil
	}
	now := s.now()
	ev.Processed = true
	ev.ProcessedAt = &now
	return true, nil
}

func (s *Store) ListUnprocessed(_ context.Context, limit int) ([]*storage.SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.SyncEvent
	for _, id := range s.order {
		ev := s.events[id]
		if ev.Processed {
			continue
		}
		out = append(out, ev.Clone())
	}
	// Insertion order breaks ties between equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (*storage.SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	return ev.Clone(), nil
}

func (s *Store) Close() error { return nil }

var _ storage.Backend = (*Store)(nil)
