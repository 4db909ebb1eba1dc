package calsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/cyp0633/meetsync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newDispatcher(f *fixture, r *Reconciler) *Dispatcher {
	return NewDispatcher(f.store, r, StaticCredentials(testCreds), nil, nil)
}

func storeEvent(t *testing.T, f *fixture, eventType, externalID string) *storage.SyncEvent {
	t.Helper()
	ev := &storage.SyncEvent{EventType: eventType, ExternalID: externalID}
	require.NoError(t, f.store.Store(context.Background(), ev))
	return ev
}

func TestDispatchRemoteNotFoundCancels(t *testing.T) {
	f, m, r := pushed(t)
	d := newDispatcher(f, r)
	f.srv.DeleteObject(DefaultContainer, m.ExternalEventID)
	ev := storeEvent(t, f, "event.updated", m.ExternalEventID)

	require.NoError(t, d.Dispatch(context.Background(), ev))

	got := f.meeting(t, m.ID)
	assert.Equal(t, storage.MeetingCancelled, got.Status)
	assert.False(t, got.ExternallySynced)

	stored, err := f.store.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessedAt)

	audit, err := f.store.ListAudit(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, storage.SourceWebhook, audit[0].Source)
}

func TestDispatchDeletedSkipsFetch(t *testing.T) {
	f, m, r := pushed(t)
	d := newDispatcher(f, r)
	ev := storeEvent(t, f, "Event.Deleted", m.ExternalEventID)

	require.NoError(t, d.Dispatch(context.Background(), ev))

	assert.Equal(t, storage.MeetingCancelled, f.meeting(t, m.ID).Status)
	assert.Equal(t, 0, f.srv.CountRequests(http.MethodGet))
}

func TestDispatchUnknownKindIsMarkedProcessed(t *testing.T) {
	f, m, r := pushed(t)
	d := newDispatcher(f, r)
	ev := storeEvent(t, f, "event.archived", m.ExternalEventID)

	require.NoError(t, d.Dispatch(context.Background(), ev))

	stored, err := f.store.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, m, f.meeting(t, m.ID))
}

func TestDuplicateEventsMatchSingleDelivery(t *testing.T) {
	run := func(t *testing.T, copies int) *storage.Meeting {
		f, m, r := pushed(t)
		d := newDispatcher(f, r)
		f.putRemote(t, DefaultContainer, ics.Event{
			ID:       m.ExternalEventID,
			Summary:  "Weekly Sync",
			Start:    time.Date(2024, 1, 8, 17, 0, 0, 0, time.UTC),
			End:      time.Date(2024, 1, 8, 17, 30, 0, 0, time.UTC),
			Location: "Room 7",
			URL:      m.MeetingURL,
		})
		for i := 0; i < copies; i++ {
			storeEvent(t, f, "event.updated", m.ExternalEventID)
		}

		report, err := d.CatchUp(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, copies, report.Processed)
		assert.Empty(t, report.Failed)

		pending, err := f.store.ListUnprocessed(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, pending)

		audit, err := f.store.ListAudit(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Len(t, audit, 1, "the second delivery is a no-op")

		return withoutSync(f.meeting(t, m.ID))
	}

	once := run(t, 1)
	twice := run(t, 2)
	// Each run pushes under a fresh remote id.
	once.ExternalEventID, twice.ExternalEventID = "", ""
	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, once, twice)
	assert.Equal(t, "Room 7", once.Location)
}

func TestCatchUpLeavesFailuresForRetry(t *testing.T) {
	f, m, r := pushed(t)
	d := newDispatcher(f, r)
	ctx := context.Background()
	ev := storeEvent(t, f, "event.updated", m.ExternalEventID)

	f.srv.Fail(http.MethodGet, "", http.StatusInternalServerError, 0)
	report, err := d.CatchUp(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, report.Failed)
	assert.Zero(t, report.Processed)

	pending, err := f.store.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.srv.ClearFaults()
	report, err = d.CatchUp(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Empty(t, report.Failed)
}

func TestCatchUpRespectsLimitAndOrder(t *testing.T) {
	f, m, r := pushed(t)
	d := newDispatcher(f, r)
	ctx := context.Background()

	first := storeEvent(t, f, "event.unknown", m.ExternalEventID)
	storeEvent(t, f, "event.unknown", m.ExternalEventID)

	report, err := d.CatchUp(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	got, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed, "oldest event goes first")
}

func TestCatchUpCountsEventsClaimedElsewhere(t *testing.T) {
	events := new(storage.MockEventStore)
	pending := []*storage.SyncEvent{{ID: "e1", EventType: "event.noop", ExternalID: "x"}}
	events.On("ListUnprocessed", mock.Anything, 5).Return(pending, nil)
	events.On("MarkProcessed", mock.Anything, "e1").Return(false, nil)

	d := NewDispatcher(events, NewReconciler(nil, nil, nil), StaticCredentials(testCreds), nil, nil)
	report, err := d.CatchUp(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, CatchUpReport{Skipped: 1}, report)
	events.AssertExpectations(t)
}

func TestCatchUpListFailure(t *testing.T) {
	events := new(storage.MockEventStore)
	events.On("ListUnprocessed", mock.Anything, 0).Return(nil, storage.ErrStorageUnavailable)

	d := NewDispatcher(events, NewReconciler(nil, nil, nil), StaticCredentials(testCreds), nil, nil)
	_, err := d.CatchUp(context.Background(), 0)
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
}

type failingCredentials struct{}

func (failingCredentials) Credentials(context.Context, string) (davclient.Credentials, error) {
	return davclient.Credentials{}, errors.New("session expired")
}

func TestDispatchCredentialFailure(t *testing.T) {
	f, m, r := pushed(t)
	d := NewDispatcher(f.store, r, failingCredentials{}, nil, nil)
	ev := storeEvent(t, f, "event.created", m.ExternalEventID)

	require.Error(t, d.Dispatch(context.Background(), ev))
	stored, err := f.store.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
}

func TestContainerResolver(t *testing.T) {
	var none ContainerResolver
	assert.Equal(t, DefaultContainer, none.resolve("org-1"))

	r := ContainerResolver(func(org string) string {
		if org == "" {
			return ""
		}
		return "org-" + org
	})
	assert.Equal(t, "org-a", r.resolve("a"))
	assert.Equal(t, DefaultContainer, r.resolve(""))
}
