package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_updated ON jobs (user_id, updated_at_ms DESC);
`

// SQLiteStore is the default single-node job store.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ JobStore = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) the job database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, user_id, payload_json, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			updated_at_ms = excluded.updated_at_ms`,
		rec.JobID, rec.UserID, rec.Payload, rec.CreatedAtMs, rec.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, `SELECT * FROM jobs`); err != nil {
		return nil, fmt.Errorf("sqlite store: list all: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	q := `SELECT * FROM jobs WHERE user_id = ? ORDER BY updated_at_ms DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, fmt.Errorf("sqlite store: list for %s: %w", userID, err)
	}
	return recs, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("sqlite store: delete %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
