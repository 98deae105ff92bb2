package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run is the recorded history of one pipeline run.
type Run struct {
	ID        string       `json:"run_id"`
	SourceURL string       `json:"source_url"`
	State     string       `json:"state"`
	FailedAt  string       `json:"failed_at,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	Index     int          `json:"chunk_index"`
	Cause     string       `json:"cause,omitempty"`
	ObjectID  string       `json:"object_id,omitempty"`
	Location  string       `json:"location,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Events    []Transition `json:"events,omitempty"`
}

// Transition is one recorded state change.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Store keeps run history in SQLite. In ephemeral mode the database lives
// in memory and disappears with the process.
type Store struct {
	db    *sql.DB
	cfg   config.RunLogConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.RunLogConfig, log *slog.Logger) (*Store, error) {
	dsn := "file:readaloud-runs?mode=memory&_pragma=foreign_keys(ON)"
	if cfg.RetentionMode != "ephemeral" {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "runlog")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != "ephemeral" {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("run log vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("run log prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    source_url TEXT NOT NULL,
    state TEXT NOT NULL,
    failed_at TEXT,
    kind TEXT,
    chunk_index INTEGER NOT NULL DEFAULT -1,
    cause TEXT,
    object_id TEXT,
    location TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    state TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Observe records a pipeline event. Failures are logged, never returned, so
// history problems cannot fail a run.
func (s *Store) Observe(ctx context.Context, evt pipeline.Event) {
	if err := s.record(ctx, evt); err != nil {
		s.log.Warn("failed to record run event",
			slog.String("run_id", evt.RunID),
			slog.String("state", string(evt.State)),
			slog.String("error", err.Error()))
	}
}

func (s *Store) record(ctx context.Context, evt pipeline.Event) (err error) {
	at := evt.At
	if at.IsZero() {
		at = s.clock()
	}
	ts := at.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var objectID, location string
	if evt.Artifact != nil {
		objectID, location = evt.Artifact.ObjectID, evt.Artifact.Location
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(run_id, source_url, state, failed_at, kind, chunk_index, cause, object_id, location, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   state=excluded.state,
		   failed_at=excluded.failed_at,
		   kind=excluded.kind,
		   chunk_index=excluded.chunk_index,
		   cause=excluded.cause,
		   object_id=excluded.object_id,
		   location=excluded.location,
		   updated_at=excluded.updated_at`,
		evt.RunID, evt.SourceURL, string(evt.State), string(evt.FailedAt), evt.Kind, evt.Index, evt.Cause,
		objectID, location, ts, ts)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO run_events(run_id, state, created_at) VALUES(?, ?, ?)`,
		evt.RunID, string(evt.State), ts); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns a run and its transitions.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, source_url, state, failed_at, kind, chunk_index, cause, object_id, location, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, created_at FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tr Transition
		var at string
		if err := rows.Scan(&tr.State, &at); err != nil {
			return Run{}, err
		}
		tr.At = parseTime(at)
		run.Events = append(run.Events, tr)
	}
	return run, rows.Err()
}

// Recent lists the newest runs first, without transitions.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source_url, state, failed_at, kind, chunk_index, cause, object_id, location, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                                         Run
		failedAt, kind, cause, objectID, location sql.NullString
		created, updated                          string
	)
	if err := sc.Scan(&r.ID, &r.SourceURL, &r.State, &failedAt, &kind, &r.Index, &cause, &objectID, &location, &created, &updated); err != nil {
		return Run{}, err
	}
	r.FailedAt = failedAt.String
	r.Kind = kind.String
	r.Cause = cause.String
	r.ObjectID = objectID.String
	r.Location = location.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Prune applies configured retention (called on open, can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
