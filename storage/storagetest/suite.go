// Package storagetest holds the behaviour every storage.Backend must show.
// Each implementation runs it from its own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyp0633/meetsync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) storage.Backend

// Run runs the conformance suite against the backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("MeetingCRUD", func(t *testing.T) { testMeetingCRUD(t, newBackend(t)) })
	t.Run("FindByExternalEventID", func(t *testing.T) { testFindByExternalEventID(t, newBackend(t)) })
	t.Run("RecordSync", func(t *testing.T) { testRecordSync(t, newBackend(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newBackend(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newBackend(t)) })
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, newBackend(t)) })
	t.Run("DuplicateEvents", func(t *testing.T) { testDuplicateEvents(t, newBackend(t)) })
	t.Run("ConcurrentMarkProcessed", func(t *testing.T) { testConcurrentMarkProcessed(t, newBackend(t)) })
}

func ts(h int) time.Time {
	return time.Date(2024, 4, 1, h, 0, 0, 0, time.UTC)
}

func testMeetingCRUD(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetMeeting(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	m := &storage.Meeting{
		ID:              "m1",
		OrganizationID:  "org",
		Title:           "Planning",
		Description:     "line 1\nline 2",
		ScheduledAt:     ts(9),
		DurationMinutes: 45,
		Location:        "Room 1",
		MeetingURL:      "https://meet.example.com/x",
		UpdatedAt:       ts(8),
		Status:          storage.MeetingScheduled,
	}
	require.NoError(t, b.CreateMeeting(ctx, m))
	assert.ErrorIs(t, b.CreateMeeting(ctx, m), storage.ErrConflict)

	got, err := b.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Planning", got.Title)
	assert.Equal(t, "line 1\nline 2", got.Description)
	assert.True(t, got.ScheduledAt.Equal(ts(9)))
	assert.Equal(t, 45, got.DurationMinutes)
	assert.Equal(t, "", got.ExternalEventID)
	assert.False(t, got.ExternallySynced)
	assert.Nil(t, got.LastSyncAt)

	synced := ts(10)
	got.ExternalEventID = "ext-1"
	got.ExternallySynced = true
	got.LastSyncAt = &synced
	require.NoError(t, b.UpdateMeeting(ctx, got))

	again, err := b.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", again.ExternalEventID)
	assert.True(t, again.ExternallySynced)
	require.NotNil(t, again.LastSyncAt)
	assert.True(t, again.LastSyncAt.Equal(synced))

	assert.ErrorIs(t, b.UpdateMeeting(ctx, &storage.Meeting{ID: "nope", ScheduledAt: ts(1)}), storage.ErrNotFound)
	assert.ErrorIs(t, b.UpdateMeeting(ctx, &storage.Meeting{ID: ""}), storage.ErrInvalidInput)
}

func testFindByExternalEventID(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateMeeting(ctx, &storage.Meeting{ID: "m1", OrganizationID: "org", ScheduledAt: ts(9), ExternalEventID: "ext-1", UpdatedAt: ts(1)}))

	found, err := b.FindByExternalEventID(ctx, "ext-1")
	require.NoError(t, err)
	m, ok := found.Get()
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)

	found, err = b.FindByExternalEventID(ctx, "ext-2")
	require.NoError(t, err)
	assert.True(t, found.IsAbsent())

	found, err = b.FindByExternalEventID(ctx, "")
	require.NoError(t, err)
	assert.True(t, found.IsAbsent())
}

func testRecordSync(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateMeeting(ctx, &storage.Meeting{
		ID:             "m1",
		OrganizationID: "org",
		Title:          "Planning",
		ScheduledAt:    ts(9),
		UpdatedAt:      ts(1),
		Status:         storage.MeetingScheduled,
	}))

	// A local edit lands before the push result is recorded.
	edited, err := b.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	edited.Title = "Planning (renamed)"
	edited.UpdatedAt = ts(4)
	require.NoError(t, b.UpdateMeeting(ctx, edited))

	require.NoError(t, b.RecordSync(ctx, "m1", "ext-1", ts(3)))

	got, err := b.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Planning (renamed)", got.Title)
	assert.True(t, got.UpdatedAt.Equal(ts(4)))
	assert.Equal(t, "ext-1", got.ExternalEventID)
	assert.True(t, got.ExternallySynced)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(ts(3)))
	assert.True(t, got.IsStale(), "the edit after the synced state still needs a push")

	stale, err := b.ListStale(ctx, "org")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "m1", stale[0].ID)

	assert.ErrorIs(t, b.RecordSync(ctx, "missing", "ext-2", ts(3)), storage.ErrNotFound)
	assert.ErrorIs(t, b.RecordSync(ctx, "m1", "", ts(3)), storage.ErrInvalidInput)
}

func testListStale(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	synced := ts(5)
	early := ts(2)

	meetings := []*storage.Meeting{
		{ID: "never", OrganizationID: "org", ScheduledAt: ts(12), UpdatedAt: ts(1)},
		{ID: "fresh", OrganizationID: "org", ScheduledAt: ts(10), UpdatedAt: ts(1), ExternalEventID: "e1", ExternallySynced: true, LastSyncAt: &synced},
		{ID: "edited", OrganizationID: "org", ScheduledAt: ts(11), UpdatedAt: ts(3), ExternalEventID: "e2", ExternallySynced: true, LastSyncAt: &early},
		{ID: "cancelled", OrganizationID: "org", ScheduledAt: ts(9), UpdatedAt: ts(1), Status: storage.MeetingCancelled},
		{ID: "other-org", OrganizationID: "other", ScheduledAt: ts(9), UpdatedAt: ts(1)},
		{ID: "no-timestamp", OrganizationID: "org", ScheduledAt: ts(13), UpdatedAt: ts(1), ExternalEventID: "e3", ExternallySynced: true},
	}
	for _, m := range meetings {
		require.NoError(t, b.CreateMeeting(ctx, m))
	}

	stale, err := b.ListStale(ctx, "org")
	require.NoError(t, err)

	var ids []string
	for _, m := range stale {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"edited", "never", "no-timestamp"}, ids)

	stale, err = b.ListStale(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testAudit(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateMeeting(ctx, &storage.Meeting{ID: "m1", ScheduledAt: ts(9), UpdatedAt: ts(1)}))

	rec := &storage.AuditRecord{
		MeetingID:     "m1",
		Action:        storage.AuditRemoteUpdate,
		ExternalID:    "ext-1",
		ChangedFields: []string{"title", "scheduledAt"},
		Source:        storage.SourcePull,
	}
	require.NoError(t, b.AppendAudit(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	require.NoError(t, b.AppendAudit(ctx, &storage.AuditRecord{MeetingID: "m1", Action: storage.AuditRemoteCancel, ExternalID: "ext-1", Source: storage.SourceWebhook}))

	recs, err := b.ListAudit(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, storage.AuditRemoteUpdate, recs[0].Action)
	assert.Equal(t, []string{"title", "scheduledAt"}, recs[0].ChangedFields)
	assert.Equal(t, storage.SourcePull, recs[0].Source)
	assert.Equal(t, storage.AuditRemoteCancel, recs[1].Action)
	assert.Empty(t, recs[1].ChangedFields)

	assert.ErrorIs(t, b.AppendAudit(ctx, &storage.AuditRecord{}), storage.ErrInvalidInput)
}

func testEventLog(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	assert.ErrorIs(t, b.Store(ctx, &storage.SyncEvent{ExternalID: "x"}), storage.ErrInvalidInput)

	first := &storage.SyncEvent{
		EventType:  "event.updated",
		ExternalID: "ext-1",
		Payload:    json.RawMessage(`{"eventType":"event.updated","externalId":"ext-1"}`),
		ReceivedAt: ts(1),
	}
	second := &storage.SyncEvent{EventType: "event.deleted", ExternalID: "ext-2", ReceivedAt: ts(2)}
	require.NoError(t, b.Store(ctx, second))
	require.NoError(t, b.Store(ctx, first))
	assert.NotEmpty(t, first.ID)

	unprocessed, err := b.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 2)
	assert.Equal(t, first.ID, unprocessed[0].ID, "oldest first")
	assert.Equal(t, second.ID, unprocessed[1].ID)
	assert.JSONEq(t, string(first.Payload), string(unprocessed[0].Payload))

	limited, err := b.ListUnprocessed(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	claimed, err := b.MarkProcessed(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = b.MarkProcessed(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "second mark must not claim again")

	got, err := b.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)

	unprocessed, err = b.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, second.ID, unprocessed[0].ID)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.MarkProcessed(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicateEvents(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Store(ctx, &storage.SyncEvent{EventType: "event.updated", ExternalID: "ext-1"}))
	}
	unprocessed, err := b.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 2)
	assert.NotEqual(t, unprocessed[0].ID, unprocessed[1].ID)
}

func testConcurrentMarkProcessed(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	ev := &storage.SyncEvent{EventType: "event.created", ExternalID: "ext-1"}
	require.NoError(t, b.Store(ctx, ev))

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.MarkProcessed(ctx, ev.ID)
			if err == nil && ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())
}
