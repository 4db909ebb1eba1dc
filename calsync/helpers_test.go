package calsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/cyp0633/meetsync/internal/davtest"
	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/storage/memory"
	"github.com/stretchr/testify/require"
)

var testCreds = davclient.Credentials{Username: "alice", Password: "secret"}

type fixture struct {
	srv    *davtest.Server
	client davclient.ResourceClient
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := davtest.New(t, davtest.WithCredentials(testCreds.Username, testCreds.Password))
	client, err := davclient.New(davclient.Options{
		BaseURL:        srv.BaseURL(),
		HTTPClient:     srv.Client(),
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return &fixture{srv: srv, client: client, store: memory.New()}
}

func (f *fixture) createMeeting(t *testing.T, m *storage.Meeting) *storage.Meeting {
	t.Helper()
	require.NoError(t, f.store.CreateMeeting(context.Background(), m))
	got, err := f.store.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) meeting(t *testing.T, id string) *storage.Meeting {
	t.Helper()
	got, err := f.store.GetMeeting(context.Background(), id)
	require.NoError(t, err)
	return got
}

// putRemote replaces a remote event as another calendar client would.
func (f *fixture) putRemote(t *testing.T, container string, ev ics.Event) {
	t.Helper()
	data, err := ics.Encode(ev)
	require.NoError(t, err)
	f.srv.PutObject(container, ev.ID, data)
}

func weeklySync() *storage.Meeting {
	return &storage.Meeting{
		ID:              "meeting-1",
		OrganizationID:  "org-1",
		Title:           "Weekly Sync",
		Description:     "Status round\nBlockers",
		ScheduledAt:     time.Date(2024, 1, 8, 15, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Location:        "Room 2",
		MeetingURL:      "https://meet.example.com/weekly",
		UpdatedAt:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// clock hands out increasing times.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

// putFailingClient fails PutEvent for events whose summary matches.
type putFailingClient struct {
	davclient.ResourceClient
	failSummary string
}

func (c *putFailingClient) PutEvent(ctx context.Context, creds davclient.Credentials, container string, ev ics.Event) (davclient.ResourceRef, error) {
	if ev.Summary == c.failSummary {
		return davclient.ResourceRef{}, davclient.ErrTransport
	}
	return c.ResourceClient.PutEvent(ctx, creds, container, ev)
}
