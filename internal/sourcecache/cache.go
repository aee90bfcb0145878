package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"github.com/subweave/subweave/pkg/pipeerr"
)

// CacheHitMessage is surfaced to clients when a URL resolves from cache.
const CacheHitMessage = "命中视频缓存"

const (
	defaultTTL             = 14 * 24 * time.Hour
	defaultMaxBytes        = 30 << 30
	defaultDownloadTimeout = 900 * time.Second
	minDownloadTimeout     = 60 * time.Second
)

// Progress reports download progress as a local 0-100 percent plus a
// human-readable message; the pipeline re-projects it into its stage band.
type Progress func(percent float64, message string)

// Config tunes the cache. Zero values take defaults.
type Config struct {
	// Root is the cache directory holding index.sqlite3 and content files.
	Root string

	// TTL evicts entries not accessed within this window. Default 14 days.
	TTL time.Duration

	// MaxBytes caps total cached content size. Default 30 GiB.
	MaxBytes int64

	// DownloadTimeout bounds one yt-dlp invocation. Default 900 s,
	// floor 60 s.
	DownloadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = defaultDownloadTimeout
	}
	if c.DownloadTimeout < minDownloadTimeout {
		c.DownloadTimeout = minDownloadTimeout
	}
	return c
}

// Cache is the URL ingestion cache. Index mutations are serialized by a
// single mutex; downloads run outside it.
type Cache struct {
	cfg Config
	db  *sqlx.DB
	dl  Downloader

	mu     sync.Mutex
	flight singleflight.Group
	now    func() time.Time
}

// New opens (creating if needed) the cache at cfg.Root.
func New(cfg Config, dl Downloader) (*Cache, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	db, err := openIndex(cfg.Root)
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, db: db, dl: dl, now: time.Now}, nil
}

// Close releases the index database.
func (c *Cache) Close() error { return c.db.Close() }

// Fetch resolves a raw URL (or share text) to a media file materialized into
// workDir. It returns the materialized path and whether the cache served it.
func (c *Cache) Fetch(ctx context.Context, rawInput, workDir string, progress Progress, shouldCancel func() bool) (string, bool, error) {
	url, err := ExtractURL(rawInput)
	if err != nil {
		return "", false, err
	}
	if progress == nil {
		progress = func(float64, string) {}
	}

	c.mu.Lock()
	c.pruneLocked()
	hit, err := c.lookupLocked(url)
	c.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	if hit != nil {
		path, err := materialize(hit.LocalPath, workDir)
		if err != nil {
			return "", false, err
		}
		slog.Info("source cache hit", "url", url, "path", hit.LocalPath)
		progress(100, CacheHitMessage)
		return path, true, nil
	}

	// Concurrent fetches of one URL share a single download; followers
	// block on the leader's outcome and materialize its file.
	v, err, _ := c.flight.Do(url, func() (any, error) {
		localPath, size, err := c.download(ctx, url, progress, shouldCancel)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.upsertLocked(url, localPath, size); err != nil {
			return nil, err
		}
		return localPath, nil
	})
	if err != nil {
		return "", false, err
	}
	localPath := v.(string)

	path, err := materialize(localPath, workDir)
	if err != nil {
		return "", false, err
	}
	progress(100, "下载完成")
	return path, false, nil
}

// lookupLocked returns the newest live entry for url, bumping its hit count,
// or nil on miss. Rows whose file vanished are dropped.
func (c *Cache) lookupLocked(url string) (*entry, error) {
	var rows []entry
	err := c.db.Select(&rows,
		`SELECT * FROM source_cache WHERE normalized_url = ? ORDER BY created_at DESC`, url)
	if err != nil {
		return nil, fmt.Errorf("query cache index: %w", err)
	}
	for _, row := range rows {
		if _, err := os.Stat(row.LocalPath); err != nil {
			c.deleteLocked(row)
			continue
		}
		_, err := c.db.Exec(
			`UPDATE source_cache SET hit_count = hit_count + 1, last_accessed_at = ?
			 WHERE normalized_url = ? AND content_sha256 = ?`,
			c.now().UnixMilli(), row.NormalizedURL, row.ContentSHA256)
		if err != nil {
			return nil, fmt.Errorf("bump cache entry: %w", err)
		}
		return &row, nil
	}
	return nil, nil
}

// download invokes yt-dlp with pseudo-progress heartbeats and content-hashes
// the result into the cache root.
func (c *Cache) download(ctx context.Context, url string, progress Progress, shouldCancel func() bool) (string, int64, error) {
	tmpDir, err := os.MkdirTemp(c.cfg.Root, "dl-")
	if err != nil {
		return "", 0, pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadFailed, "create temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	dlCtx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	type dlResult struct {
		path string
		err  error
	}
	done := make(chan dlResult, 1)
	go func() {
		path, err := c.dl.Download(dlCtx, url, tmpDir)
		done <- dlResult{path, err}
	}()

	// yt-dlp gives no parseable progress, so emit a time-based
	// pseudo-percent to keep the UI moving.
	started := c.now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var res dlResult
poll:
	for {
		select {
		case res = <-done:
			break poll
		case <-ticker.C:
			if shouldCancel != nil && shouldCancel() {
				cancel()
				<-done
				return "", 0, pipeerr.New(pipeerr.StageDownload, pipeerr.CodeCancelRequested, "cancel requested")
			}
			elapsed := c.now().Sub(started).Seconds()
			progress(min(95, 5+3*elapsed), "下载中")
		}
	}
	if res.err != nil {
		return "", 0, res.err
	}

	sum, size, err := hashFile(res.path)
	if err != nil {
		return "", 0, pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadFailed, "hash download", err)
	}
	ext := filepath.Ext(res.path)
	if ext == "" {
		ext = ".mp4"
	}
	finalPath := filepath.Join(c.cfg.Root, sum+ext)
	if err := os.Rename(res.path, finalPath); err != nil {
		return "", 0, pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadFailed, "store download", err)
	}
	return finalPath, size, nil
}

func (c *Cache) upsertLocked(url, localPath string, size int64) error {
	sum := sha256Base(localPath)
	now := c.now().UnixMilli()
	_, err := c.db.Exec(
		`INSERT INTO source_cache
			(normalized_url, content_sha256, local_path, size_bytes, created_at, last_accessed_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT (normalized_url, content_sha256) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			last_accessed_at = excluded.last_accessed_at`,
		url, sum, localPath, size, now, now)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// pruneLocked drops dead and expired rows, then evicts oldest-accessed
// entries until the size cap holds.
func (c *Cache) pruneLocked() {
	cutoff := c.now().Add(-c.cfg.TTL).UnixMilli()
	var rows []entry
	if err := c.db.Select(&rows, `SELECT * FROM source_cache ORDER BY last_accessed_at ASC`); err != nil {
		slog.Warn("cache prune query failed", "error", err)
		return
	}

	var total int64
	var live []entry
	for _, row := range rows {
		if _, err := os.Stat(row.LocalPath); err != nil || row.LastAccessedAt < cutoff {
			c.deleteLocked(row)
			continue
		}
		total += row.SizeBytes
		live = append(live, row)
	}
	for _, row := range live {
		if total <= c.cfg.MaxBytes {
			break
		}
		c.deleteLocked(row)
		total -= row.SizeBytes
	}
}

func (c *Cache) deleteLocked(row entry) {
	if err := os.Remove(row.LocalPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("cache file removal failed", "path", row.LocalPath, "error", err)
	}
	_, err := c.db.Exec(`DELETE FROM source_cache WHERE normalized_url = ? AND content_sha256 = ?`,
		row.NormalizedURL, row.ContentSHA256)
	if err != nil {
		slog.Warn("cache row removal failed", "url", row.NormalizedURL, "error", err)
	}
}

// materialize links the cached file into workDir, copying when the link
// crosses filesystems.
func materialize(cachedPath, workDir string) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadFailed, "create work dir", err)
	}
	dest := filepath.Join(workDir, filepath.Base(cachedPath))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.Link(cachedPath, dest); err == nil {
		return dest, nil
	}
	if err := copyFile(cachedPath, dest); err != nil {
		return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadFailed, "materialize cached file", err)
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// sha256Base recovers the content hash from a cache file name
// (<sha256>.<ext>).
func sha256Base(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return base
}
