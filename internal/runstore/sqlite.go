package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL contention out of the scheduler's way.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY,
		build_type_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		finished_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_lookup ON runs(build_type_id, branch, status, finished_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record implements Store.
func (s *SQLite) Record(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %d: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, build_type_id, branch, status, finished_at, data) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, finished_at = excluded.finished_at, data = excluded.data`,
		r.ID, r.BuildTypeID, r.Branch, string(r.Status), r.FinishedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("record run %d: %w", r.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, id int64) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// LastSuccessful implements Store.
func (s *SQLite) LastSuccessful(ctx context.Context, buildTypeID, branch string, since time.Time) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM runs
		 WHERE build_type_id = ? AND branch = ? AND status = ? AND finished_at >= ?
		 ORDER BY finished_at DESC, id DESC LIMIT 1`,
		buildTypeID, branch, string(run.Success), since.UnixNano())
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxID implements Store.
func (s *SQLite) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM runs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max run id: %w", err)
	}
	return id.Int64, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*run.Run, error) {
	var data string
	if err := sc.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	var r run.Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}
