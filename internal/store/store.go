// Package store keeps the history of monitored runs in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	state TEXT NOT NULL,
	canceled INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	intervals INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	mismatches INTEGER NOT NULL,
	resets INTEGER NOT NULL,
	best_aggregate INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_test_id ON runs(test_id);`

// Run is one row of the run history.
type Run struct {
	ID            string
	TestID        string
	StartTime     time.Time
	EndTime       time.Time
	State         model.State
	Canceled      bool
	Pass          bool
	Intervals     int
	Passed        int
	Mismatches    int
	Resets        int
	BestAggregate int64
}

// Stats summarizes the repeated runs of a test.
type Stats struct {
	Runs          int
	PassedRuns    int
	BestAggregate int64
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (creating it if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveRun inserts or replaces the history row of r.
func (s *Store) SaveRun(ctx context.Context, r *model.RunResult) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs(id, test_id,
		start_time, end_time, state, canceled, pass, intervals, passed,
		mismatches, resets, best_aggregate) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Config.ID(), r.StartTime.UnixNano(), r.EndTime.UnixNano(),
		string(r.State), boolToInt(r.Canceled), boolToInt(r.Pass()), r.Intervals,
		r.Passed, r.Mismatches, r.Resets, r.BestAggregate())
	return err
}

// RunsByTestID returns the runs of the given test, oldest first.
func (s *Store) RunsByTestID(ctx context.Context, testID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, test_id, start_time, end_time,
		state, canceled, pass, intervals, passed, mismatches, resets, best_aggregate
		FROM runs WHERE test_id=? ORDER BY start_time`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []Run{}
	for rows.Next() {
		var (
			r              Run
			start, end     int64
			state          string
			canceled, pass int
		)
		err := rows.Scan(&r.ID, &r.TestID, &start, &end, &state, &canceled,
			&pass, &r.Intervals, &r.Passed, &r.Mismatches, &r.Resets,
			&r.BestAggregate)
		if err != nil {
			return nil, err
		}
		r.StartTime = time.Unix(0, start)
		r.EndTime = time.Unix(0, end)
		r.State = model.State(state)
		r.Canceled = canceled != 0
		r.Pass = pass != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StatsByTestID returns aggregate statistics over the runs of a test.
func (s *Store) StatsByTestID(ctx context.Context, testID string) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(pass), 0),
		COALESCE(MAX(best_aggregate), 0) FROM runs WHERE test_id=?`, testID).
		Scan(&st.Runs, &st.PassedRuns, &st.BestAggregate)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
