// Package calculations provides a TTL cache for expensive derived results
// (moment estimates, covariance matrices) backed by the cache database.
package calculations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TTLs for cached result classes.
const (
	// TTLOptimizer covers moment estimates keyed by an identical input set.
	TTLOptimizer = 24 * time.Hour
)

// Cache is a namespaced key/value store with per-entry expiry. Values are
// opaque blobs; callers choose their own encoding.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCache creates the cache accessor and ensures its table exists.
func NewCache(db *sql.DB, log zerolog.Logger) (*Cache, error) {
	c := &Cache{
		db:  db,
		log: log.With().Str("component", "calc_cache").Logger(),
	}
	if err := c.createTable(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create cache table: %w", err)
	}
	return nil
}

// Get returns the value for (namespace, key) if present and not expired.
func (c *Cache) Get(namespace, key string) ([]byte, bool) {
	var value []byte
	var expiresAt int64
	err := c.db.QueryRow(
		`SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if err != sql.ErrNoRows {
			c.log.Warn().Err(err).Str("namespace", namespace).Msg("Cache read failed")
		}
		return nil, false
	}
	if time.Now().Unix() >= expiresAt {
		return nil, false
	}
	return value, true
}

// Set stores a value with the given TTL, replacing any existing entry.
func (c *Cache) Set(namespace, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := c.db.Exec(
		`INSERT INTO cache_entries (namespace, key, value, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		namespace, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes a single entry.
func (c *Cache) Delete(namespace, key string) error {
	_, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Cleanup removes expired entries and returns how many were deleted.
// Scheduled to run periodically.
func (c *Cache) Cleanup() (int64, error) {
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cache cleanup failed: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		c.log.Debug().Int64("deleted", deleted).Msg("Removed expired cache entries")
	}
	return deleted, nil
}

// CleanupJob adapts Cleanup to the scheduler's Job interface.
type CleanupJob struct {
	cache *Cache
}

// NewCleanupJob creates a cleanup job for the scheduler.
func NewCleanupJob(cache *Cache) *CleanupJob {
	return &CleanupJob{cache: cache}
}

// Name returns the job name.
func (j *CleanupJob) Name() string { return "cache_cleanup" }

// Run removes expired cache entries.
func (j *CleanupJob) Run() error {
	_, err := j.cache.Cleanup()
	return err
}
