// Package store persists job records as self-describing JSON blobs keyed by
// job ID. Implementations need nothing beyond row-level transactions, so the
// default backend is a local sqlite file and Postgres is available for
// multi-instance deployments.
package store

import "context"

// Record is one persisted job row. Payload is the serialized job state; the
// store never inspects it.
type Record struct {
	JobID       string `db:"job_id"`
	UserID      string `db:"user_id"`
	Payload     []byte `db:"payload_json"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

// JobStore is the durable backing for the job manager. Upsert must be
// idempotent; Get returns nil without error when the row is absent.
type JobStore interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, jobID string) (*Record, error)

	// ListAll returns every row, used for startup recovery.
	ListAll(ctx context.Context) ([]Record, error)

	// ListByUser returns the user's rows newest-updated first, capped at
	// limit (0 means no cap).
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)

	Delete(ctx context.Context, jobID string) error
	Close() error
}
