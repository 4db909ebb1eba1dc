package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyp0633/meetsync/internal/config"
	"github.com/cyp0633/meetsync/internal/davtest"
	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/storage/sqlite"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv        *davtest.Server
	configPath string
	dbPath     string
}

func newEnv(t *testing.T, extra string) *env {
	t.Helper()
	srv := davtest.New(t, davtest.WithCredentials("alice", "secret"))
	dir := t.TempDir()
	e := &env{
		srv:        srv,
		configPath: filepath.Join(dir, "meetsync.yaml"),
		dbPath:     filepath.Join(dir, "meetsync.db"),
	}
	body := fmt.Sprintf(`remote:
  base_url: %s
  username: alice
  password: secret
  timeout: 5s
storage:
  driver: sqlite
  dsn: %s
log_level: error
%s`, srv.BaseURL(), e.dbPath, extra)
	require.NoError(t, os.WriteFile(e.configPath, []byte(body), 0o600))
	return e
}

func (e *env) seed(t *testing.T, meetings ...*storage.Meeting) {
	t.Helper()
	s, err := sqlite.Open(e.dbPath)
	require.NoError(t, err)
	defer s.Close()
	for _, m := range meetings {
		require.NoError(t, s.CreateMeeting(context.Background(), m))
	}
}

func (e *env) meeting(t *testing.T, id string) *storage.Meeting {
	t.Helper()
	s, err := sqlite.Open(e.dbPath)
	require.NoError(t, err)
	defer s.Close()
	m, err := s.GetMeeting(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func meeting(id, org string, day int) *storage.Meeting {
	return &storage.Meeting{
		ID:              id,
		OrganizationID:  org,
		Title:           "Meeting " + id,
		ScheduledAt:     time.Date(2024, 5, day, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Status:          storage.MeetingScheduled,
	}
}

func TestPushAndDelete(t *testing.T) {
	e := newEnv(t, "")
	e.seed(t, meeting("m1", "org-1", 1))

	out, err := e.run(t, "", "push", "m1")
	require.NoError(t, err)

	m := e.meeting(t, "m1")
	require.NotEmpty(t, m.ExternalEventID)
	assert.Contains(t, out, "pushed m1 as "+m.ExternalEventID)
	assert.Equal(t, []string{m.ExternalEventID}, e.srv.ObjectIDs("meetings"))

	out, err = e.run(t, "", "delete", "m1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted remote event of m1: cancelled")
	assert.Empty(t, e.srv.ObjectIDs("meetings"))
	assert.Equal(t, storage.MeetingCancelled, e.meeting(t, "m1").Status)
}

func TestPushUnknownMeeting(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "", "push", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestCatchUpAndReplay(t *testing.T) {
	e := newEnv(t, "organizations:\n  - id: org-1\n    container: org-one\n")
	e.seed(t, meeting("m1", "org-1", 1))

	_, err := e.run(t, "", "push", "m1")
	require.NoError(t, err)
	m := e.meeting(t, "m1")
	e.srv.DeleteObject("org-one", m.ExternalEventID)

	payload := fmt.Sprintf(`{"eventType":"event.updated","externalId":%q,"organizationId":"org-1"}`, m.ExternalEventID)
	out, err := e.run(t, payload, "ingest")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "stored "))
	eventID := strings.TrimSpace(strings.TrimPrefix(out, "stored "))

	out, err = e.run(t, "", "catchup")
	require.NoError(t, err)
	assert.Contains(t, out, "processed: 1")
	assert.Equal(t, storage.MeetingCancelled, e.meeting(t, "m1").Status)

	out, err = e.run(t, "", "replay", eventID)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed "+eventID)
}

func TestIngestFromFileWithDispatch(t *testing.T) {
	e := newEnv(t, "")
	e.seed(t, meeting("m1", "org-1", 1))
	_, err := e.run(t, "", "push", "m1")
	require.NoError(t, err)
	m := e.meeting(t, "m1")

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{"eventType":"event.deleted","externalId":%q}`, m.ExternalEventID)), 0o600))

	_, err = e.run(t, "", "ingest", "--dispatch", path)
	require.NoError(t, err)
	assert.Equal(t, storage.MeetingCancelled, e.meeting(t, "m1").Status)

	out, err := e.run(t, "", "catchup", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "processed: 0")
}

func TestIngestRejectsBadPayload(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, `{"eventType":"event.updated"}`, "ingest")
	assert.Error(t, err)
}

func TestSyncOrgReportsFailures(t *testing.T) {
	e := newEnv(t, "sync:\n  concurrency: 2\n  requests_per_second: 100\n")
	e.seed(t, meeting("m1", "org-1", 1), meeting("m2", "org-1", 2))

	e.srv.Fail(http.MethodPut, "", http.StatusInternalServerError, 0)
	out, err := e.run(t, "", "sync-org", "org-1")
	require.Error(t, err)
	assert.Contains(t, out, "failed: 2")

	e.srv.ClearFaults()
	out, err = e.run(t, "", "sync-org", "org-1")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded: 2")
}

func TestPullCommand(t *testing.T) {
	e := newEnv(t, "")
	e.seed(t, meeting("m1", "org-1", 1))
	_, err := e.run(t, "", "push", "m1")
	require.NoError(t, err)

	out, err := e.run(t, "", "pull", "org-1", e.meeting(t, "m1").ExternalEventID)
	require.NoError(t, err)
	assert.Equal(t, "unchanged\n", out)
}

func TestMigrateCommand(t *testing.T) {
	e := newEnv(t, "")
	out, err := e.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
	_, err = os.Stat(e.dbPath)
	assert.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: mongo\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "migrate"})
	assert.Error(t, root.Execute())
}

func TestNewScheduler(t *testing.T) {
	e := newEnv(t, `sync:
  schedule: "0 * * * *"
catchup:
  schedule: "@every 1m"
organizations:
  - id: org-1
  - id: org-2
`)
	a := &app{configPath: e.configPath}
	require.NoError(t, a.load())

	store, err := a.openStore(context.Background())
	require.NoError(t, err)
	defer store.Close()
	engine, err := a.newEngine(store)
	require.NoError(t, err)

	c, err := a.newScheduler(context.Background(), a.cfg, engine)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 3)

	cfg := *a.cfg
	cfg.Sync.Schedule = ""
	cfg.CatchUp.Schedule = ""
	c, err = a.newScheduler(context.Background(), &cfg, engine)
	require.NoError(t, err)
	assert.Empty(t, c.Entries())
}

func TestReloadKeepsStorage(t *testing.T) {
	e := newEnv(t, "")
	a := &app{configPath: e.configPath}
	require.NoError(t, a.load())
	store, err := a.openStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	body, err := os.ReadFile(e.configPath)
	require.NoError(t, err)
	updated := strings.Replace(string(body), "driver: sqlite", "driver: memory", 1) +
		"catchup:\n  schedule: \"@every 2m\"\n"
	require.NoError(t, os.WriteFile(e.configPath, []byte(updated), 0o600))

	c, err := a.reload(context.Background(), store)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
	assert.Equal(t, config.DriverSQLite, a.cfg.Storage.Driver)
	assert.Equal(t, "@every 2m", a.cfg.CatchUp.Schedule)

	require.NoError(t, os.WriteFile(e.configPath, []byte("remote: ["), 0o600))
	_, err = a.reload(context.Background(), store)
	assert.Error(t, err)
	assert.Equal(t, "@every 2m", a.cfg.CatchUp.Schedule, "failed reload keeps the old config")
}

func TestIsConfigChange(t *testing.T) {
	path, err := filepath.Abs("meetsync.yaml")
	require.NoError(t, err)

	assert.True(t, isConfigChange(fsnotify.Event{Name: path, Op: fsnotify.Write}, path))
	assert.True(t, isConfigChange(fsnotify.Event{Name: "meetsync.yaml", Op: fsnotify.Create}, path))
	assert.False(t, isConfigChange(fsnotify.Event{Name: path, Op: fsnotify.Chmod}, path))
	assert.False(t, isConfigChange(fsnotify.Event{Name: "other.yaml", Op: fsnotify.Write}, path))
}
