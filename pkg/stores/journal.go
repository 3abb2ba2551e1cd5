package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Config holds journal configuration.
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// RecordTimeout bounds one write made by the event subscriber.
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

// Journal is a SQLite-backed Store.
type Journal struct {
	db     *sql.DB
	config Config
	logger *telemetry.Logger
}

// Open opens the journal database and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if isMemory(cfg.Path) {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.RecordTimeout == 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	dsn := cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !isMemory(cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	if !isMemory(cfg.Path) {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db, config: cfg, logger: logger.NewComponentLogger("journal")}
	if err := j.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Migrate runs database migrations.
func (j *Journal) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(j.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database answers.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Subscriber returns an event subscriber that records every event.
// Write failures are logged; the publisher keeps going.
func (j *Journal) Subscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), j.config.RecordTimeout)
		defer cancel()
		if err := j.Record(ctx, event); err != nil {
			j.logger.WithError(err).WithField("event", event.Type).Warn("Failed to journal event")
		}
	}
}

// Record appends event to the event log and folds it into the session,
// command and resource tables.
func (j *Journal) Record(ctx context.Context, event telemetry.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	switch event.Type {
	case telemetry.EventTypeSessionStarted:
		err = startSession(ctx, tx, event)
	case telemetry.EventTypeSessionCompleted:
		err = finishSession(ctx, tx, event, engine.SessionCompleted)
	case telemetry.EventTypeSessionFailed:
		err = finishSession(ctx, tx, event, engine.SessionFailed)
	case telemetry.EventTypeSessionCancelled:
		err = finishSession(ctx, tx, event, engine.SessionCancelled)
	case telemetry.EventTypeCommandFinished:
		err = insertCommandResult(ctx, tx, event)
	case telemetry.EventTypeResourcePrecached:
		err = upsertResource(ctx, tx, event, ResourceStatusCached)
	case telemetry.EventTypeResourceFailed:
		err = upsertResource(ctx, tx, event, ResourceStatusFailed)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event %s: %w", event.Type, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event telemetry.Event) error {
	data := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, source, session_id, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		event.Source,
		nullable(event.SessionID),
		event.Level,
		event.Message,
		string(data),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func startSession(ctx context.Context, tx *sql.Tx, event telemetry.Event) error {
	commands := dataStrings(event.Data, "commands")
	encoded, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("failed to marshal commands: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, status, commands, command_count, started_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		event.SessionID,
		string(engine.SessionRunning),
		string(encoded),
		len(commands),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func finishSession(ctx context.Context, tx *sql.Tx, event telemetry.Event, status engine.SessionOutcome) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, error = ?, completed_at = ?, duration_seconds = ?
		WHERE id = ?
	`,
		string(status),
		nullable(dataString(event.Data, "reason")),
		toMillis(event.Timestamp),
		dataFloat(event.Data, "duration"),
		event.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", event.SessionID, ErrNotFound)
	}
	return nil
}

func insertCommandResult(ctx context.Context, tx *sql.Tx, event telemetry.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO command_results (session_id, idx, command, status, output, error, duration_seconds, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.SessionID,
		dataInt(event.Data, "index"),
		dataString(event.Data, "command"),
		dataString(event.Data, "status"),
		dataString(event.Data, "output"),
		dataString(event.Data, "error"),
		dataFloat(event.Data, "duration"),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command result: %w", err)
	}
	return nil
}

func upsertResource(ctx context.Context, tx *sql.Tx, event telemetry.Event, status ResourceStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resources (name, url, status, bytes, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			bytes = excluded.bytes,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`,
		dataString(event.Data, "name"),
		dataString(event.Data, "url"),
		string(status),
		dataInt(event.Data, "bytes"),
		dataString(event.Data, "reason"),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

const sessionColumns = `
	s.id, s.status, s.commands, s.command_count, s.error, s.started_at, s.completed_at, s.duration_seconds,
	(SELECT COUNT(*) FROM command_results c WHERE c.session_id = s.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s           Session
		commands    string
		startedAt   int64
		completedAt sql.NullInt64
		duration    sql.NullFloat64
	)
	if err := row.Scan(
		&s.ID,
		&s.Status,
		&commands,
		&s.CommandCount,
		&s.Error,
		&startedAt,
		&completedAt,
		&duration,
		&s.Executed,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commands), &s.Commands); err != nil {
		return nil, fmt.Errorf("failed to decode commands of session %s: %w", s.ID, err)
	}
	s.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		s.CompletedAt = &t
	}
	if duration.Valid {
		s.Duration = time.Duration(duration.Float64 * float64(time.Second))
	}
	return &s, nil
}

// ListSessions lists sessions, most recent first.
func (j *Journal) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s
		ORDER BY s.started_at DESC, s.rowid DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// GetSession retrieves a session by ID.
func (j *Journal) GetSession(ctx context.Context, id string) (*Session, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s
		WHERE s.id = ?
	`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListCommandResults returns the command results of a session in execution order.
func (j *Journal) ListCommandResults(ctx context.Context, sessionID string) ([]*CommandResult, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, idx, command, status, output, error, duration_seconds, finished_at
		FROM command_results
		WHERE session_id = ?
		ORDER BY idx
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list command results: %w", err)
	}
	defer rows.Close()

	results := []*CommandResult{}
	for rows.Next() {
		var (
			r          CommandResult
			duration   float64
			finishedAt int64
		)
		if err := rows.Scan(&r.SessionID, &r.Index, &r.Command, &r.Status, &r.Output, &r.Error, &duration, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command result: %w", err)
		}
		r.Duration = time.Duration(duration * float64(time.Second))
		r.FinishedAt = fromMillis(finishedAt)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command results: %w", err)
	}
	return results, nil
}

// ListEvents returns journaled events in the order they were recorded.
func (j *Journal) ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error) {
	query := `
		SELECT id, type, source, session_id, level, message, data, created_at
		FROM events
		WHERE 1=1
	`
	var args []any
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			e         telemetry.Event
			sessionID sql.NullString
			data      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &sessionID, &e.Level, &e.Message, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.Timestamp = fromMillis(createdAt)
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ListResources returns the last precache state of every resource, by name.
func (j *Journal) ListResources(ctx context.Context) ([]*Resource, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT name, url, status, bytes, reason, updated_at
		FROM resources
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*Resource{}
	for rows.Next() {
		var (
			r         Resource
			updatedAt int64
		)
		if err := rows.Scan(&r.Name, &r.URL, &r.Status, &r.Bytes, &r.Reason, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		r.UpdatedAt = fromMillis(updatedAt)
		resources = append(resources, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Event data comes straight from the publisher or back from JSON; accept both shapes.

func dataString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dataInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func dataFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func dataStrings(data map[string]interface{}, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

var _ Store = (*Journal)(nil)
