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

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
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
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"busy_timeout(5000)", "foreign_keys(1)"}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	dsn := s.cfg.Path + "?" + strings.Join(params, "&")

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

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordRun stores a run report and its results in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.RunReport) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("run report with an id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		t := report.CompletedAt.UTC()
		completedAt = &t
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, node, platform, platform_version, status, noop,
			started_at, completed_at, duration_ms,
			total, updated, up_to_date, skipped, failed, ignored, notifications,
			failure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Node,
		report.Platform,
		report.PlatformVersion,
		report.Status,
		report.Noop,
		report.StartedAt.UTC(),
		completedAt,
		report.Duration.Milliseconds(),
		report.Summary.Total,
		report.Summary.Updated,
		report.Summary.UpToDate,
		report.Summary.Skipped,
		report.Summary.Failed,
		report.Summary.Ignored,
		report.Summary.Notifications,
		failureMessage(report.Failure),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO resource_results (
			run_id, position, resource, action, provider, state,
			updated, ignored, noop, attempts, skip_reason, notified_by, timing,
			started_at, duration_ms, error_code, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range report.Results {
		var code string
		if res.Error != nil {
			code = res.Error.Code
		}
		_, err := stmt.ExecContext(ctx,
			report.RunID,
			i,
			res.Resource,
			res.Action,
			res.Provider,
			res.State,
			res.Updated,
			res.Ignored,
			res.Noop,
			res.Attempts,
			res.SkipReason,
			res.NotifiedBy,
			res.Timing,
			res.StartedAt.UTC(),
			res.Duration.Milliseconds(),
			code,
			failureMessage(res),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", res.Resource, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func failureMessage(res *engine.ResourceResult) *string {
	if res == nil || res.Error == nil {
		return nil
	}
	msg := res.Error.Error()
	return &msg
}

const runColumns = `
	id, node, platform, platform_version, status, noop,
	started_at, completed_at, duration_ms,
	total, updated, up_to_date, skipped, failed, ignored, notifications,
	failure, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.Node,
		&run.Platform,
		&run.PlatformVersion,
		&run.Status,
		&run.Noop,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.Summary.Total,
		&run.Summary.Updated,
		&run.Summary.UpToDate,
		&run.Summary.Skipped,
		&run.Summary.Failed,
		&run.Summary.Ignored,
		&run.Summary.Notifications,
		&run.Failure,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
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

// GetRunDetail returns a run with its results and events.
func (s *SQLiteStore) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.GetEvents(ctx, EventQuery{RunID: id})
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Results: results, Events: events}, nil
}

// PruneRuns deletes all but the retain most recent runs along with their
// results and events. It returns the number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, retain int) (int64, error) {
	if retain < 0 {
		return 0, fmt.Errorf("retain must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	for _, table := range []string{"resource_results", "events"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+stale+`)`, retain); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, retain)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

const resultColumns = `
	id, run_id, position, resource, action, provider, state,
	updated, ignored, noop, attempts, skip_reason, notified_by, timing,
	started_at, duration_ms, error_code, error`

func (s *SQLiteStore) queryResults(ctx context.Context, query string, args ...interface{}) ([]*ResourceResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*ResourceResult{}
	for rows.Next() {
		r := &ResourceResult{}
		var durationMS int64
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Position,
			&r.Resource,
			&r.Action,
			&r.Provider,
			&r.State,
			&r.Updated,
			&r.Ignored,
			&r.Noop,
			&r.Attempts,
			&r.SkipReason,
			&r.NotifiedBy,
			&r.Timing,
			&r.StartedAt,
			&durationMS,
			&r.ErrorCode,
			&r.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// ListResults lists the results of a run in execution order
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*ResourceResult, error) {
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM resource_results WHERE run_id = ? ORDER BY position ASC`,
		runID)
}

// ResourceHistory lists the most recent dispatches of one resource
func (s *SQLiteStore) ResourceHistory(ctx context.Context, resource string, limit int) ([]*ResourceResult, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM resource_results WHERE resource = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		resource, limit)
}

// AppendEvent stores a timeline event
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	var details *string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(data)
		details = &d
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, level, resource, action, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		event.RunID,
		event.Type,
		level,
		event.Resource,
		event.Action,
		event.Message,
		details,
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events in timestamp order
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, q.Resource)
	}
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}

	query := `SELECT id, run_id, type, level, resource, action, message, details, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Level, &e.Resource, &e.Action, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Details = details.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns an event bus subscriber that persists events.
// Write failures are logged.
func (s *SQLiteStore) EventSubscriber(logger zerolog.Logger) func(*engine.Event) {
	return func(event *engine.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, event); err != nil {
			logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to store event")
		}
	}
}
