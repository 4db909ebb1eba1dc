package storage

import (
	"context"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/mock"
)

// MockMeetingStore implements MeetingStore for testing
type MockMeetingStore struct {
	mock.Mock
}

func (m *MockMeetingStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Meeting), args.Error(1)
}

func (m *MockMeetingStore) FindByExternalEventID(ctx context.Context, externalID string) (mo.Option[*Meeting], error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return mo.None[*Meeting](), args.Error(1)
	}
	return mo.Some(args.Get(0).(*Meeting)), args.Error(1)
}

func (m *MockMeetingStore) UpdateMeeting(ctx context.Context, meeting *Meeting) error {
	args := m.Called(ctx, meeting)
	return args.Error(0)
}

func (m *MockMeetingStore) RecordSync(ctx context.Context, id, externalEventID string, syncedAt time.Time) error {
	args := m.Called(ctx, id, externalEventID, syncedAt)
	return args.Error(0)
}

func (m *MockMeetingStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockMeetingStore) ListStale(ctx context.Context, organizationID string) ([]*Meeting, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Meeting), args.Error(1)
}

// MockEventStore implements EventStore for testing
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Store(ctx context.Context, ev *SyncEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockEventStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventStore) ListUnprocessed(ctx context.Context, limit int) ([]*SyncEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*SyncEvent), args.Error(1)
}

func (m *MockEventStore) Get(ctx context.Context, id string) (*SyncEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SyncEvent), args.Error(1)
}
