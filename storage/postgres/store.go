// Package postgres implements storage.Backend on PostgreSQL through lib/pq.
//
// Tables are created on first use. All of them share a name prefix so several
// deployments, or test runs, can live in one database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyp0633/meetsync/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/mo"
)

const (
	defaultTablePrefix = "meetsync"
	operationTimeout   = 5 * time.Second

	uniqueViolation = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store implements storage.Backend on PostgreSQL.
type Store struct {
	dsn    string
	prefix string
	openDB sqlOpenFunc
	now    func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ storage.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix sets the prefix of every table name.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// New returns a store for dsn. The connection is opened lazily.
func New(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is empty", storage.ErrInvalidInput)
	}
	s := &Store{
		dsn:    dsn,
		prefix: defaultTablePrefix,
		openDB: sql.Open,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the connection pool if it was opened.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.createTables(ctx, s.db)
}

func (s *Store) table(name string) string {
	return quoteIdentifier(s.prefix + "_" + name)
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		if err := s.createTables(ctx, db); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *Store) createTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				scheduled_at TIMESTAMPTZ NOT NULL,
				duration_minutes INTEGER NOT NULL DEFAULT 0,
				location TEXT NOT NULL DEFAULT '',
				meeting_url TEXT NOT NULL DEFAULT '',
				external_event_id TEXT,
				externally_synced BOOLEAN NOT NULL DEFAULT FALSE,
				last_sync_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL,
				status TEXT NOT NULL DEFAULT 'scheduled'
			)`, s.table("meetings")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (external_event_id)`,
			quoteIdentifier(s.prefix+"_meetings_external_idx"), s.table("meetings")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				meeting_id TEXT NOT NULL,
				action TEXT NOT NULL,
				external_id TEXT NOT NULL DEFAULT '',
				changed_fields TEXT NOT NULL DEFAULT '[]',
				source TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`, s.table("audit")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				event_type TEXT NOT NULL,
				external_id TEXT NOT NULL,
				resource_type TEXT NOT NULL DEFAULT '',
				resource_id TEXT NOT NULL DEFAULT '',
				organization_id TEXT NOT NULL DEFAULT '',
				payload TEXT,
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				processed_at TIMESTAMPTZ,
				received_at TIMESTAMPTZ NOT NULL
			)`, s.table("sync_events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (processed, received_at)`,
			quoteIdentifier(s.prefix+"_sync_events_unprocessed_idx"), s.table("sync_events")),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

// begin readies the pool and derives the per-operation context.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	return ctx, cancel, nil
}

// Meetings

const meetingColumns = `id, organization_id, title, description, scheduled_at, duration_minutes,
	location, meeting_url, external_event_id, externally_synced, last_sync_at, updated_at, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*storage.Meeting, error) {
	var (
		m          storage.Meeting
		externalID sql.NullString
		lastSyncAt sql.NullTime
		status     string
	)
	if err := row.Scan(&m.ID, &m.OrganizationID, &m.Title, &m.Description, &m.ScheduledAt, &m.DurationMinutes,
		&m.Location, &m.MeetingURL, &externalID, &m.ExternallySynced, &lastSyncAt, &m.UpdatedAt, &status); err != nil {
		return nil, err
	}
	m.ScheduledAt = m.ScheduledAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.ExternalEventID = externalID.String
	if lastSyncAt.Valid {
		t := lastSyncAt.Time.UTC()
		m.LastSyncAt = &t
	}
	m.Status = storage.MeetingStatus(status)
	return &m, nil
}

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
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (`+meetingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`, s.table("meetings"))
	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.OrganizationID, m.Title, m.Description, m.ScheduledAt.UTC(), m.DurationMinutes,
		m.Location, m.MeetingURL, nullString(m.ExternalEventID), m.ExternallySynced,
		nullTime(m.LastSyncAt), m.UpdatedAt.UTC(), string(m.Status))
	if err != nil {
		return fmt.Errorf("inserting meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: meeting %s already exists", storage.ErrConflict, m.ID)
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, id string) (*storage.Meeting, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`SELECT `+meetingColumns+` FROM %s WHERE id = $1`, s.table("meetings"))
	m, err := scanMeeting(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}
	return m, nil
}

func (s *Store) FindByExternalEventID(ctx context.Context, externalID string) (mo.Option[*storage.Meeting], error) {
	if externalID == "" {
		return mo.None[*storage.Meeting](), nil
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return mo.None[*storage.Meeting](), err
	}
	defer cancel()

	query := fmt.Sprintf(`SELECT `+meetingColumns+` FROM %s WHERE external_event_id = $1 LIMIT 1`, s.table("meetings"))
	m, err := scanMeeting(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[*storage.Meeting](), nil
	}
	if err != nil {
		return mo.None[*storage.Meeting](), fmt.Errorf("scanning meeting: %w", err)
	}
	return mo.Some(m), nil
}

func (s *Store) UpdateMeeting(ctx context.Context, m *storage.Meeting) error {
	if err := m.Validate(); err != nil {
		return err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			organization_id = $2, title = $3, description = $4, scheduled_at = $5, duration_minutes = $6,
			location = $7, meeting_url = $8, external_event_id = $9, externally_synced = $10,
			last_sync_at = $11, updated_at = $12, status = $13
		WHERE id = $1`, s.table("meetings"))
	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.OrganizationID, m.Title, m.Description, m.ScheduledAt.UTC(), m.DurationMinutes,
		m.Location, m.MeetingURL, nullString(m.ExternalEventID), m.ExternallySynced,
		nullTime(m.LastSyncAt), m.UpdatedAt.UTC(), string(m.Status))
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", m.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordSync(ctx context.Context, id, externalEventID string, syncedAt time.Time) error {
	if id == "" || externalEventID == "" {
		return fmt.Errorf("%w: meeting id and external event id are required", storage.ErrInvalidInput)
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET external_event_id = $2, externally_synced = TRUE, last_sync_at = $3
		WHERE id = $1`, s.table("meetings"))
	res, err := s.db.ExecContext(ctx, query, id, externalEventID, syncedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListStale(ctx context.Context, organizationID string) ([]*storage.Meeting, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT `+meetingColumns+` FROM %s
		WHERE organization_id = $1
		  AND status <> $2
		  AND (NOT externally_synced OR last_sync_at IS NULL OR last_sync_at < updated_at)
		ORDER BY scheduled_at, id`, s.table("meetings"))
	rows, err := s.db.QueryContext(ctx, query, organizationID, string(storage.MeetingCancelled))
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
	return out, rows.Err()
}

// Audit

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
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling changed fields: %w", err)
	}

	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, meeting_id, action, external_id, changed_fields, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("audit"))
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.MeetingID, rec.Action, rec.ExternalID, string(payload), rec.Source, rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, meetingID string) ([]*storage.AuditRecord, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, meeting_id, action, external_id, changed_fields, source, created_at
		FROM %s WHERE meeting_id = $1 ORDER BY seq`, s.table("audit"))
	rows, err := s.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []*storage.AuditRecord
	for rows.Next() {
		var (
			rec    storage.AuditRecord
			fields string
		)
		if err := rows.Scan(&rec.ID, &rec.MeetingID, &rec.Action, &rec.ExternalID, &fields, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.ChangedFields); err != nil {
			return nil, fmt.Errorf("unmarshaling changed fields: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Sync events

const eventColumns = `id, event_type, external_id, resource_type, resource_id, organization_id,
	payload, processed, processed_at, received_at`

func scanEvent(row rowScanner) (*storage.SyncEvent, error) {
	var (
		ev          storage.SyncEvent
		payload     sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.ExternalID, &ev.ResourceType, &ev.ResourceID, &ev.OrganizationID,
		&payload, &ev.Processed, &processedAt, &ev.ReceivedAt); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		ev.Payload = json.RawMessage(payload.String)
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		ev.ProcessedAt = &t
	}
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return &ev, nil
}

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

	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_type, external_id, resource_type, resource_id, organization_id,
			payload, processed, processed_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL, $8)`, s.table("sync_events"))
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.EventType, ev.ExternalID, ev.ResourceType, ev.ResourceID, ev.OrganizationID,
		nullString(string(ev.Payload)), ev.ReceivedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: sync event %s already exists", storage.ErrConflict, ev.ID)
		}
		return fmt.Errorf("inserting sync event: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, id string) (bool, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET processed = TRUE, processed_at = $2
		WHERE id = $1 AND NOT processed`, s.table("sync_events"))
	res, err := s.db.ExecContext(ctx, query, id, s.now().UTC())
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

	var exists int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.table("sync_events")), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("checking sync event: %w", err)
	}
	return false, nil
}

func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*storage.SyncEvent, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT `+eventColumns+` FROM %s
		WHERE NOT processed
		ORDER BY received_at, seq`, s.table("sync_events"))
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (*storage.SyncEvent, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`SELECT `+eventColumns+` FROM %s WHERE id = $1`, s.table("sync_events"))
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync event: %w", err)
	}
	return ev, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
