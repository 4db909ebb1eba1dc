package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/storage/sqlite/migrations"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Store implements storage.Backend on SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", storage.ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers; claims rely on it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Migrate runs all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// Extract version number (e.g., "001_initial.up.sql" -> 1)
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, s.now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}

	return nil
}

// ==================== Meetings ====================

const meetingColumns = `id, organization_id, title, description, scheduled_at, duration_minutes,
	location, meeting_url, external_event_id, externally_synced, last_sync_at, updated_at, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*storage.Meeting, error) {
	var (
		m           storage.Meeting
		scheduledAt int64
		updatedAt   int64
		externalID  sql.NullString
		synced      int
		lastSyncAt  sql.NullInt64
		status      string
	)
	if err := row.Scan(&m.ID, &m.OrganizationID, &m.Title, &m.Description, &scheduledAt, &m.DurationMinutes,
		&m.Location, &m.MeetingURL, &externalID, &synced, &lastSyncAt, &updatedAt, &status); err != nil {
		return nil, err
	}
	m.ScheduledAt = fromNanos(scheduledAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.ExternalEventID = externalID.String
	m.ExternallySynced = synced != 0
	if lastSyncAt.Valid {
		t := fromNanos(lastSyncAt.Int64)
		m.LastSyncAt = &t
	}
	m.Status = storage.MeetingStatus(status)
	return &m, nil
}

// CreateMeeting inserts a new meeting.
func (s *Store) CreateMeeting(ctx context.Context, m *storage.Meeting) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = storage.MeetingScheduled
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, meetingArgs(m)...)
	if err != nil {
		return fmt.Errorf("inserting meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: meeting %s already exists", storage.ErrConflict, m.ID)
	}
	return nil
}

func meetingArgs(m *storage.Meeting) []any {
	return []any{
		m.ID, m.OrganizationID, m.Title, m.Description, toNanos(m.ScheduledAt), m.DurationMinutes,
		m.Location, m.MeetingURL, nullString(m.ExternalEventID), boolInt(m.ExternallySynced),
		nullNanos(m.LastSyncAt), toNanos(m.UpdatedAt), string(m.Status),
	}
}

// GetMeeting retrieves a meeting by ID.
func (s *Store) GetMeeting(ctx context.Context, id string) (*storage.Meeting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}
	return m, nil
}

// FindByExternalEventID looks a meeting up by its remote event id.
func (s *Store) FindByExternalEventID(ctx context.Context, externalID string) (mo.Option[*storage.Meeting], error) {
	if externalID == "" {
		return mo.None[*storage.Meeting](), nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE external_event_id = ? LIMIT 1`, externalID)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[*storage.Meeting](), nil
	}
	if err != nil {
		return mo.None[*storage.Meeting](), fmt.Errorf("scanning meeting: %w", err)
	}
	return mo.Some(m), nil
}

// UpdateMeeting overwrites a stored meeting.
func (s *Store) UpdateMeeting(ctx context.Context, m *storage.Meeting) error {
	if err := m.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET
			organization_id = ?, title = ?, description = ?, scheduled_at = ?, duration_minutes = ?,
			location = ?, meeting_url = ?, external_event_id = ?, externally_synced = ?,
			last_sync_at = ?, updated_at = ?, status = ?
		WHERE id = ?
	`, m.OrganizationID, m.Title, m.Description, toNanos(m.ScheduledAt), m.DurationMinutes,
		m.Location, m.MeetingURL, nullString(m.ExternalEventID), boolInt(m.ExternallySynced),
		nullNanos(m.LastSyncAt), toNanos(m.UpdatedAt), string(m.Status), m.ID)
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", m.ID, storage.ErrNotFound)
	}
	return nil
}

// RecordSync writes only the sync columns of a meeting.
func (s *Store) RecordSync(ctx context.Context, id, externalEventID string, syncedAt time.Time) error {
	if id == "" || externalEventID == "" {
		return fmt.Errorf("%w: meeting id and external event id are required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET external_event_id = ?, externally_synced = 1, last_sync_at = ?
		WHERE id = ?
	`, externalEventID, toNanos(syncedAt), id)
	if err != nil {
		return fmt.Errorf("recording sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListStale returns the organization's meetings that need a push.
func (s *Store) ListStale(ctx context.Context, organizationID string) ([]*storage.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE organization_id = ?
		  AND status != ?
		  AND (externally_synced = 0 OR last_sync_at IS NULL OR last_sync_at < updated_at)
		ORDER BY scheduled_at, id
	`, organizationID, string(storage.MeetingCancelled))
	if err != nil {
		return nil, fmt.Errorf("querying stale meetings: %w", err)
	}
	defer rows.Close()

	var out []*storage.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning meeting: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meetings: %w", err)
	}
	return out, nil
}

// ==================== Audit ====================

// AppendAudit records a remote-originated change.
func (s *Store) AppendAudit(ctx context.Context, rec *storage.AuditRecord) error {
	if rec.MeetingID == "" {
		return fmt.Errorf("%w: audit record has no meeting id", storage.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	fields := rec.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling changed fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meeting_audit (id, meeting_id, action, external_id, changed_fields, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.MeetingID, rec.Action, rec.ExternalID, string(fieldsJSON), rec.Source, toNanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// ListAudit returns a meeting's audit records in insertion order.
func (s *Store) ListAudit(ctx context.Context, meetingID string) ([]*storage.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, action, external_id, changed_fields, source, created_at
		FROM meeting_audit WHERE meeting_id = ? ORDER BY seq
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []*storage.AuditRecord
	for rows.Next() {
		var (
			rec        storage.AuditRecord
			fieldsJSON string
			createdAt  int64
		)
		if err := rows.Scan(&rec.ID, &rec.MeetingID, &rec.Action, &rec.ExternalID, &fieldsJSON, &rec.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.ChangedFields); err != nil {
			return nil, fmt.Errorf("unmarshaling changed fields: %w", err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return out, nil
}

// ==================== Sync events ====================

const eventColumns = `id, event_type, external_id, resource_type, resource_id, organization_id,
	payload, processed, processed_at, received_at`

func scanEvent(row rowScanner) (*storage.SyncEvent, error) {
	var (
		ev          storage.SyncEvent
		payload     []byte
		processed   int
		processedAt sql.NullInt64
		receivedAt  int64
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.ExternalID, &ev.ResourceType, &ev.ResourceID, &ev.OrganizationID,
		&payload, &processed, &processedAt, &receivedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	ev.Processed = processed != 0
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		ev.ProcessedAt = &t
	}
	ev.ReceivedAt = fromNanos(receivedAt)
	return &ev, nil
}

// Store appends a sync event as unprocessed.
func (s *Store) Store(ctx context.Context, ev *storage.SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	ev.Processed = false
	ev.ProcessedAt = nil

	var payload []byte
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, event_type, external_id, resource_type, resource_id, organization_id,
			payload, processed, processed_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
	`, ev.ID, ev.EventType, ev.ExternalID, ev.ResourceType, ev.ResourceID, ev.OrganizationID,
		payload, toNanos(ev.ReceivedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: sync event %s already exists", storage.ErrConflict, ev.ID)
		}
		return fmt.Errorf("inserting sync event: %w", err)
	}
	return nil
}

// MarkProcessed flips processed from false to true exactly once.
func (s *Store) MarkProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_events SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0
	`, toNanos(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("marking sync event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed: either already processed or missing.
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM sync_events WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("checking sync event: %w", err)
	}
	return false, nil
}

// ListUnprocessed returns unprocessed events oldest first.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*storage.SyncEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE processed = 0
		ORDER BY received_at, seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync events: %w", err)
	}
	defer rows.Close()

	var out []*storage.SyncEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync events: %w", err)
	}
	return out, nil
}

// Get retrieves a sync event by ID.
func (s *Store) Get(ctx context.Context, id string) (*storage.SyncEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync event: %w", err)
	}
	return ev, nil
}

// ==================== Helpers ====================

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

// nullString returns a sql.NullString that is NULL for empty strings.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
