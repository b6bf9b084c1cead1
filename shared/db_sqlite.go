package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at ON jobs(created_at);
`

// SQLiteDB implements JobRepository on a single SQLite file. The version
// column guards updates: UPDATE ... WHERE version = ? touches no row when
// another writer got there first.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLiteDB opens (and migrates) the database at path.
func OpenSQLiteDB(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) CreateJob(ctx context.Context, job *Job) error {
	job.Version = 1
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, created_at, version, data) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		job.ID, job.UserID, job.CreatedAt.UnixNano(), job.Version, string(data))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return nil
}

func (s *SQLiteDB) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", jobID, err)
	}
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

func (s *SQLiteDB) UpdateJob(ctx context.Context, job *Job) error {
	expected := job.Version
	next := job.Clone()
	next.Version = expected + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET data = ?, version = ? WHERE id = ? AND version = ?`,
		string(data), next.Version, job.ID, expected)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
		}
		return fmt.Errorf("%w: %s", ErrVersionConflict, job.ID)
	}
	job.Version = next.Version
	return nil
}

func (s *SQLiteDB) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func (s *SQLiteDB) GetAllJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}
