package calsync

import (
	"context"
	"net/http"
	"testing"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, f *fixture, containers ContainerResolver) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Client:      f.client,
		Meetings:    f.store,
		Events:      f.store,
		Credentials: StaticCredentials(testCreds),
		Containers:  containers,
	})
	require.NoError(t, err)
	return e
}

func TestNewEngineValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no client", Config{Meetings: f.store, Events: f.store, Credentials: StaticCredentials(testCreds)}},
		{"no meetings", Config{Client: f.client, Events: f.store, Credentials: StaticCredentials(testCreds)}},
		{"no events", Config{Client: f.client, Meetings: f.store, Credentials: StaticCredentials(testCreds)}},
		{"no credentials", Config{Client: f.client, Meetings: f.store, Events: f.store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestEnginePushMeetingUsesOrganizationContainer(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, func(org string) string { return "cal-" + org })

	m, err := e.PushMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.True(t, f.srv.HasCalendar("cal-org-1"))
	assert.Equal(t, []string{m.ExternalEventID}, f.srv.ObjectIDs("cal-org-1"))

	_, err = e.PushMeeting(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngineWebhookFlow(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, nil)
	ctx := context.Background()

	m, err := e.PushMeeting(ctx, "meeting-1")
	require.NoError(t, err)

	f.srv.DeleteObject(DefaultContainer, m.ExternalEventID)
	ev := &storage.SyncEvent{EventType: "event.updated", ExternalID: m.ExternalEventID, OrganizationID: "org-1"}
	require.NoError(t, f.store.Store(ctx, ev))

	report, err := e.CatchUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, storage.MeetingCancelled, f.meeting(t, "meeting-1").Status)

	// Replaying a processed event is harmless.
	require.NoError(t, e.Replay(ctx, ev.ID))
	audit, err := f.store.ListAudit(ctx, "meeting-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	assert.ErrorIs(t, e.Replay(ctx, "missing"), storage.ErrNotFound)
}

func TestEngineReconcile(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, nil)

	m, err := e.PushMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)

	outcome, err := e.Reconcile(context.Background(), "org-1", m.ExternalEventID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
}

func TestEngineSyncOrganization(t *testing.T) {
	f := newFixture(t)
	seedMeetings(t, f, "org-1", 3)
	e := newEngine(t, f, nil)

	result, err := e.SyncOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Succeeded)
	assert.Len(t, f.srv.ObjectIDs(DefaultContainer), 3)

	result, err = e.SyncOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Zero(t, result.Succeeded, "nothing is stale after a full pass")
}

func TestEngineDeleteMeeting(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, nil)
	ctx := context.Background()

	m, err := e.PushMeeting(ctx, "meeting-1")
	require.NoError(t, err)

	outcome, err := e.DeleteMeeting(ctx, "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Empty(t, f.srv.ObjectIDs(DefaultContainer))

	got := f.meeting(t, "meeting-1")
	assert.Equal(t, storage.MeetingCancelled, got.Status)
	assert.Equal(t, m.ExternalEventID, got.ExternalEventID)
	assert.False(t, got.ExternallySynced)
	assert.False(t, got.IsStale())

	audit, err := f.store.ListAudit(ctx, "meeting-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, storage.AuditRemoteCancel, audit[0].Action)
	assert.Equal(t, storage.SourcePull, audit[0].Source)

	// The webhook for the deletion finds the meeting already cancelled.
	ev := &storage.SyncEvent{EventType: "event.deleted", ExternalID: m.ExternalEventID}
	require.NoError(t, f.store.Store(ctx, ev))
	report, err := e.CatchUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, got, f.meeting(t, "meeting-1"))

	outcome, err = e.DeleteMeeting(ctx, "meeting-1")
	require.NoError(t, err, "deleting twice is fine")
	assert.Equal(t, OutcomeUnchanged, outcome)
}

func TestEngineDeleteMeetingNeverPushed(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, nil)

	_, err := e.DeleteMeeting(context.Background(), "meeting-1")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.Equal(t, storage.MeetingScheduled, f.meeting(t, "meeting-1").Status)
	assert.Zero(t, f.srv.CountRequests(http.MethodDelete))
}

func TestEngineDeleteMeetingRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.createMeeting(t, weeklySync())
	e := newEngine(t, f, nil)
	ctx := context.Background()

	m, err := e.PushMeeting(ctx, "meeting-1")
	require.NoError(t, err)

	f.srv.Fail(http.MethodDelete, "", http.StatusInternalServerError, 1)
	_, err = e.DeleteMeeting(ctx, "meeting-1")
	require.ErrorIs(t, err, davclient.ErrTransport)
	assert.Equal(t, m, f.meeting(t, "meeting-1"))

	outcome, err := e.DeleteMeeting(ctx, "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
}
