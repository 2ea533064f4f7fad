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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}, nil
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("Opened database")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func notFound(kind, id string) error {
	return engine.NewResolutionError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("id", id)
}

// SaveSequence creates or replaces a stored description.
// CreatedAt is kept when an existing description is replaced.
func (s *SQLiteStore) SaveSequence(ctx context.Context, desc *engine.Description, source string) error {
	if desc == nil || desc.ID == "" {
		return fmt.Errorf("sequence id is required")
	}

	doc, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode sequence: %w", err)
	}

	query := `
		INSERT INTO sequences (id, name, description, document, task_count, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			document = excluded.document,
			task_count = excluded.task_count,
			source = excluded.source,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		desc.ID,
		desc.Name,
		desc.Description,
		string(doc),
		desc.TaskCount(),
		source,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save sequence: %w", err)
	}

	s.logger.Debug().Str("sequence", desc.ID).Str("source", source).Msg("Saved sequence")
	return nil
}

// GetSequence retrieves a stored description by id.
func (s *SQLiteStore) GetSequence(ctx context.Context, id string) (*engine.SequenceRecord, error) {
	query := `
		SELECT document, source, created_at, updated_at
		FROM sequences
		WHERE id = ?
	`

	rec, err := scanSequence(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sequence", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return rec, nil
}

// ListSequences lists every stored description ordered by id.
func (s *SQLiteStore) ListSequences(ctx context.Context) ([]*engine.SequenceRecord, error) {
	query := `
		SELECT document, source, created_at, updated_at
		FROM sequences
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	records := []*engine.SequenceRecord{}
	for rows.Next() {
		rec, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequences: %w", err)
	}

	return records, nil
}

// DeleteSequence deletes a stored description by id.
func (s *SQLiteStore) DeleteSequence(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sequence: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("sequence", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(row rowScanner) (*engine.SequenceRecord, error) {
	var (
		doc string
		rec engine.SequenceRecord
	)
	if err := row.Scan(&doc, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &rec.Description); err != nil {
		return nil, fmt.Errorf("stored sequence is corrupt: %w", err)
	}
	return &rec, nil
}

// SaveRun creates or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	if err := run.Status.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO runs (id, sequence_id, status, start_phase, end_phase, started_at, completed_at, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_phase = excluded.end_phase,
			completed_at = excluded.completed_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.SequenceID,
		run.Status,
		run.StartPhase,
		run.EndPhase,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		run.Error,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, sequence_id, status, start_phase, end_phase, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first. An empty sequenceID lists every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, sequenceID string, limit, offset int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, sequence_id, status, start_phase, end_phase, started_at, completed_at, error
		FROM runs
		WHERE (? = '' OR sequence_id = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sequenceID, sequenceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its task results and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("run", id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}

	return tx.Commit()
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	err := row.Scan(
		&run.ID,
		&run.SequenceID,
		&run.Status,
		&run.StartPhase,
		&run.EndPhase,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RecordTask appends a task outcome to its run.
func (s *SQLiteStore) RecordTask(ctx context.Context, result *engine.TaskResult) error {
	query := `
		INSERT INTO task_results (run_id, phase, position, task, type, critical, outcome, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.Phase,
		result.Position,
		result.Task,
		result.Type,
		result.Critical,
		result.Outcome,
		result.Error,
		result.StartedAt.UTC(),
		int64(result.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record task result: %w", err)
	}

	return nil
}

// ListTaskResults lists the task outcomes of a run in execution order.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*engine.TaskResult, error) {
	query := `
		SELECT run_id, phase, position, task, type, critical, outcome, error, started_at, duration_ns
		FROM task_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*engine.TaskResult{}
	for rows.Next() {
		var (
			r        engine.TaskResult
			duration int64
		)
		err := rows.Scan(
			&r.RunID,
			&r.Phase,
			&r.Position,
			&r.Task,
			&r.Type,
			&r.Critical,
			&r.Outcome,
			&r.Error,
			&r.StartedAt,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		r.Duration = time.Duration(duration)
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

// AppendEvent stores an event. Events without an id get a new one.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var data *string
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(raw)
		data = &str
	}

	query := `
		INSERT INTO events (id, run_id, type, level, source, phase, task, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Level,
		event.Source,
		event.Phase,
		event.Task,
		event.Message,
		data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents retrieves events in timeline order.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*telemetry.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT id, run_id, type, level, source, phase, task, message, data, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?"

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*telemetry.Event{}
	for rows.Next() {
		var (
			event telemetry.Event
			data  *string
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Level,
			&event.Source,
			&event.Phase,
			&event.Task,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != nil {
			if err := json.Unmarshal([]byte(*data), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSink returns a subscriber that appends every received event.
// Write failures are logged; they never reach the publisher.
func (s *SQLiteStore) EventSink(ctx context.Context) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(context.WithoutCancel(ctx), &event); err != nil {
			s.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to store event")
		}
	}
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
