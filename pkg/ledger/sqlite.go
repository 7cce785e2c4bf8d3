package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, experiment, started_at, finished_at, status, units, fitted, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			experiment = excluded.experiment,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			status = excluded.status,
			units = excluded.units,
			fitted = excluded.fitted,
			failed = excluded.failed,
			error = excluded.error
	`, run.ID, run.Experiment, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Status, run.Units, run.Fitted, run.Failed, run.Error)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT id, experiment, started_at, finished_at, status, units, fitted, failed, error
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, experiment, started_at, finished_at, status, units, fitted, failed, error
		FROM runs ORDER BY started_at, id
	`)
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

func (s *SQLiteStore) SaveUnits(ctx context.Context, runID string, units []Unit) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO units (run_id, i, j, k, params, sse, r2, iterations, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, i, j, k) DO UPDATE SET
			params = excluded.params,
			sse = excluded.sse,
			r2 = excluded.r2,
			iterations = excluded.iterations,
			error = excluded.error
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range units {
		params, err := json.Marshal(nullable(u.Params))
		if err != nil {
			return fmt.Errorf("encode params of voxel %s: %w", u.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, u.Index.I, u.Index.J, u.Index.K,
			string(params), finite(u.SSE), finite(u.RSquared), u.Iterations, u.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetUnits(ctx context.Context, runID string) ([]Unit, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT i, j, k, params, sse, r2, iterations, error
		FROM units WHERE run_id = ? ORDER BY i, j, k
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var (
			u       Unit
			params  string
			sse, r2 sql.NullFloat64
		)
		if err := rows.Scan(&u.Index.I, &u.Index.J, &u.Index.K, &params, &sse, &r2, &u.Iterations, &u.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &u.Params); err != nil {
			return nil, fmt.Errorf("decode params of voxel %s: %w", u.Index, err)
		}
		u.SSE, u.RSquared = orNaN(sse), orNaN(r2)
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			experiment TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			status TEXT NOT NULL,
			units INTEGER NOT NULL,
			fitted INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			error TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS units (
			run_id TEXT NOT NULL,
			i INTEGER NOT NULL,
			j INTEGER NOT NULL,
			k INTEGER NOT NULL,
			params TEXT NOT NULL,
			sse REAL,
			r2 REAL,
			iterations INTEGER NOT NULL,
			error TEXT NOT NULL,
			PRIMARY KEY (run_id, i, j, k)
		);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run               Run
		started, finished string
	)
	if err := row.Scan(&run.ID, &run.Experiment, &started, &finished, &run.Status,
		&run.Units, &run.Fitted, &run.Failed, &run.Error); err != nil {
		return Run{}, err
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return Run{}, err
	}
	return run, nil
}

// timeLayout is fixed-width so that stored times sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// nullable keeps an absent parameter vector as JSON null
func nullable(p []float64) []float64 {
	if len(p) == 0 {
		return nil
	}
	return p
}

// finite maps NaN and infinities to NULL, which SQLite REAL cannot hold
func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
