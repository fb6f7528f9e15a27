package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "coursed/pkg/logx"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS task_records (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    state      TEXT NOT NULL,
    meta       TEXT,
    result     TEXT,
    error      TEXT NOT NULL DEFAULT '',
    attempts   INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_records_state_updated ON task_records(state, updated_at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("task store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("task store: open: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("task store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(taskSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("task store: migrate: %w", err)
	}
	log.Debug("task store ready", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Create(ctx context.Context, rec Record) error {
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records (id, kind, state, meta, result, error, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.State, rawOrNull(rec.Meta), rawOrNull(rec.Result),
		rec.Error, rec.Attempts, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("task store: create %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqliteStore) MarkStarted(ctx context.Context, id string, now time.Time) error {
	return s.exec(ctx, id,
		`UPDATE task_records SET state = ?, updated_at = ? WHERE id = ?`,
		StateStarted, fmtTime(now), id)
}

func (s *sqliteStore) SetProgress(ctx context.Context, id string, meta json.RawMessage, now time.Time) error {
	return s.exec(ctx, id,
		`UPDATE task_records SET state = ?, meta = ?, updated_at = ? WHERE id = ?`,
		StateProgress, rawOrNull(meta), fmtTime(now), id)
}

func (s *sqliteStore) MarkSuccess(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	return s.exec(ctx, id,
		`UPDATE task_records SET state = ?, result = ?, error = '', updated_at = ? WHERE id = ?`,
		StateSuccess, rawOrNull(result), fmtTime(now), id)
}

func (s *sqliteStore) MarkFailure(ctx context.Context, id string, errMsg string, attempts int, now time.Time) error {
	return s.exec(ctx, id,
		`UPDATE task_records SET state = ?, error = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		StateFailure, errMsg, attempts, fmtTime(now), id)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, state, meta, result, error, attempts, created_at, updated_at
		 FROM task_records WHERE id = ?`, id)

	var (
		rec              Record
		meta, result     sql.NullString
		created, updated string
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.State, &meta, &result, &rec.Error, &rec.Attempts, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task store: get %s: %w", id, err)
	}
	if meta.Valid {
		rec.Meta = json.RawMessage(meta.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("task store: get %s: created_at: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("task store: get %s: updated_at: %w", id, err)
	}
	return &rec, nil
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_records WHERE state IN (?, ?) AND updated_at < ?`,
		StateSuccess, StateFailure, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("task store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("task store: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func rawOrNull(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
