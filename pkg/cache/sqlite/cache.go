package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// Cache is a response cache backed by SQLite. It implements cache.Store
// and cache.Inspector.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens (or creates) the cache database at dbPath. A zero ttl keeps
// entries forever.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// Serialize writers; SQLite rejects concurrent writes with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) expired(createdAt time.Time) bool {
	return c.ttl > 0 && c.now().Sub(createdAt) > c.ttl
}

// Get retrieves a cached entry. Missing and expired entries are misses.
func (c *Cache) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var (
		raw       []byte
		createdAt time.Time
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, cache.Unavailable("get", err)
	}

	if c.expired(createdAt) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}

	var resp models.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.CacheEntry{}, false, cache.Unavailable("decode", err)
	}

	c.hits.Add(1)
	return models.CacheEntry{Key: key, Response: resp, CreatedAt: createdAt.UTC()}, true, nil
}

// PutIfAbsent stores entry unless a live entry exists. A stale row is
// evicted first so it can be replaced.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, entry models.CacheEntry) (bool, error) {
	data, err := json.Marshal(entry.Response)
	if err != nil {
		return false, fmt.Errorf("encode cache entry: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}

	if c.ttl > 0 {
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_key = ? AND created_at < ?`,
			key, c.now().Add(-c.ttl).UTC(),
		); err != nil {
			return false, cache.Unavailable("evict", err)
		}
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, model, response, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO NOTHING`,
		key, entry.Response.Model, data, createdAt.UTC(),
	)
	if err != nil {
		return false, cache.Unavailable("put", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cache.Unavailable("put", err)
	}
	return n == 1, nil
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
	switch {
	case expiredOnly && c.ttl <= 0:
		return nil
	case expiredOnly:
		_, err = c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE created_at < ?`, c.now().Add(-c.ttl).UTC())
	default:
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
