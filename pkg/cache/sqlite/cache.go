package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

// Cache is the durable fingerprint -> result cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	provider TEXT NOT NULL,
	result BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_operation ON cache_entries(operation);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
CREATE TABLE IF NOT EXISTS cache_invalidations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// invalidationRetention bounds how long invalidation records are kept for
// other processes' memory tiers to replay.
const invalidationRetention = 24 * time.Hour

// New opens the cache at dbPath and runs auto-migration.
func New(dbPath string) (*Cache, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := store.Migrate(db, createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Get returns the entry for fingerprint. Expired entries count as misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	var (
		e         models.CacheEntry
		op        string
		result    []byte
		createdAt int64
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT operation, provider, result, created_at, expires_at, hit_count
		 FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&op, &e.ProviderUsed, &result, &createdAt, &expiresAt, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.Fingerprint = fingerprint
	e.Operation = models.Operation(op)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if e.Expired(time.Now()) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	if err := json.Unmarshal(result, &e.Result); err != nil {
		c.misses.Add(1)
		return models.CacheEntry{}, false, fmt.Errorf("decode cached result: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE fingerprint = ?`, fingerprint,
	); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache hit count: %w", err)
	}
	e.HitCount++
	c.hits.Add(1)
	return e, true, nil
}

// Put stores an entry, replacing any previous one for the same fingerprint.
func (c *Cache) Put(ctx context.Context, e models.CacheEntry) error {
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, operation, provider, result, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, string(e.Operation), e.ProviderUsed, result,
		e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), e.HitCount,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate removes entries matching pattern and returns how many were removed.
//
// Patterns: "*" removes everything, "op:<operation>" removes one operation's
// entries, a trailing "*" is a fingerprint prefix, anything else is an exact
// fingerprint.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case pattern == "":
		return 0, fmt.Errorf("cache invalidate: empty pattern")
	case pattern == "*":
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	case strings.HasPrefix(pattern, "op:"):
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE operation = ?`, strings.TrimPrefix(pattern, "op:"))
	case strings.HasSuffix(pattern, "*"):
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE substr(fingerprint, 1, ?) = ?`,
			len(pattern)-1, strings.TrimSuffix(pattern, "*"))
	default:
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, pattern)
	}
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	if err := c.logInvalidation(ctx, pattern); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// logInvalidation records pattern so memory tiers in other processes can
// drop the same entries.
func (c *Cache) logInvalidation(ctx context.Context, pattern string) error {
	now := time.Now()
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_invalidations (pattern, created_at) VALUES (?, ?)`, pattern, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("log invalidation: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_invalidations WHERE created_at < ?`, now.Add(-invalidationRetention).UnixNano(),
	); err != nil {
		return fmt.Errorf("prune invalidations: %w", err)
	}
	return nil
}

// InvalidationsSince returns the patterns invalidated after seq, oldest
// first, and the sequence number to pass next time.
func (c *Cache) InvalidationsSince(ctx context.Context, seq int64) ([]string, int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, pattern FROM cache_invalidations WHERE seq > ? ORDER BY seq`, seq)
	if err != nil {
		return nil, seq, fmt.Errorf("read invalidations: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&seq, &p); err != nil {
			return nil, seq, fmt.Errorf("scan invalidation: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, seq, rows.Err()
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	var err error
	if expiredOnly {
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixNano())
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	if !expiredOnly {
		return c.logInvalidation(ctx, "*")
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
