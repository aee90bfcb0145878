package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_updated ON jobs (user_id, updated_at_ms DESC);
`

// PostgresStore backs the job manager with a shared Postgres database for
// deployments running more than one instance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*PostgresStore)(nil)

// OpenPostgres connects to dsn, verifies the connection and ensures the jobs
// table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, user_id, payload_json, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id) DO UPDATE SET
			payload_json = EXCLUDED.payload_json,
			updated_at_ms = EXCLUDED.updated_at_ms`,
		rec.JobID, rec.UserID, string(rec.Payload), rec.CreatedAtMs, rec.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("postgres store: upsert %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, user_id, payload_json, created_at_ms, updated_at_ms
		 FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get %s: %w", jobID, err)
	}
	rec, err := pgx.CollectOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, user_id, payload_json, created_at_ms, updated_at_ms FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list all: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list all: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	q := `SELECT job_id, user_id, payload_json, created_at_ms, updated_at_ms
	      FROM jobs WHERE user_id = $1 ORDER BY updated_at_ms DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list for %s: %w", userID, err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list for %s: %w", userID, err)
	}
	return recs, nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", jobID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	var payload string
	err := row.Scan(&rec.JobID, &rec.UserID, &payload, &rec.CreatedAtMs, &rec.UpdatedAtMs)
	rec.Payload = []byte(payload)
	return rec, err
}
