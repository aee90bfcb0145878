package sourcecache

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS source_cache (
	normalized_url   TEXT    NOT NULL,
	content_sha256   TEXT    NOT NULL,
	local_path       TEXT    NOT NULL,
	size_bytes       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (normalized_url, content_sha256)
);
CREATE INDEX IF NOT EXISTS idx_source_cache_lru ON source_cache (last_accessed_at);
`

// entry is one cached download.
type entry struct {
	NormalizedURL  string `db:"normalized_url"`
	ContentSHA256  string `db:"content_sha256"`
	LocalPath      string `db:"local_path"`
	SizeBytes      int64  `db:"size_bytes"`
	CreatedAt      int64  `db:"created_at"`
	LastAccessedAt int64  `db:"last_accessed_at"`
	HitCount       int64  `db:"hit_count"`
}

// openIndex opens (and migrates) the sqlite index file inside the cache root.
func openIndex(root string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", filepath.Join(root, "index.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	// sqlite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache index: %w", err)
	}
	return db, nil
}
