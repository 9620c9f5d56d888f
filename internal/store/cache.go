package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/regdu/regdu/internal/usage"
)

// Cache is the optional SQLite-backed manifest cache. It maps a manifest
// digest to the layer list computed for it on a previous run, so a tag
// whose manifest digest is unchanged skips the manifest body fetch.
//
// Entries are loaded once when the cache opens and flushed once at the
// end of a run; manifests are content-addressed, so a hit can never be
// stale. Entries are keyed per platform policy because a different
// platform selection yields a different layer list for the same index
// digest.
type Cache struct {
	db       *sql.DB
	platform string
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[digest.Digest][]usage.Layer
	dirty   map[digest.Digest][]usage.Layer
}

// Open opens (or creates) the cache database at path and loads all
// entries recorded under the given platform policy.
func Open(path, platform string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}

	c := &Cache{
		db:       db,
		platform: platform,
		logger:   logger,
		entries:  make(map[digest.Digest][]usage.Layer),
		dirty:    make(map[digest.Digest][]usage.Layer),
	}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating cache database: %w", err)
	}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading cache entries: %w", err)
	}
	logger.Debug("manifest cache opened", "path", path, "entries", len(c.entries))
	return c, nil
}

// Get returns the cached layer list for a manifest digest.
func (c *Cache) Get(d digest.Digest) ([]usage.Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	layers, ok := c.entries[d]
	return layers, ok
}

// Put records a layer list for a manifest digest. The entry becomes
// visible immediately and is persisted on Flush.
func (c *Cache) Put(d digest.Digest, layers []usage.Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[d]; ok {
		return
	}
	c.entries[d] = layers
	c.dirty[d] = layers
}

// Flush writes all entries added since Open to the database.
func (c *Cache) Flush() error {
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = make(map[digest.Digest][]usage.Layer)
	c.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cache transaction: %w", err)
	}
	const query = `
		INSERT OR REPLACE INTO manifest_layers (digest, platform, layers, cached_at)
		VALUES (?, ?, ?, ?)
	`
	now := time.Now()
	for d, layers := range dirty {
		encoded, err := json.Marshal(layers)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encoding layers for %s: %w", d, err)
		}
		if _, err := tx.Exec(query, d.String(), c.platform, string(encoded), now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("writing cache entry for %s: %w", d, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache entries: %w", err)
	}
	c.logger.Debug("manifest cache flushed", "new_entries", len(dirty))
	return nil
}

// Close closes the underlying database without flushing.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing cache database: %w", err)
	}
	return nil
}

func (c *Cache) load() error {
	rows, err := c.db.Query(`SELECT digest, layers FROM manifest_layers WHERE platform = ?`, c.platform)
	if err != nil {
		return fmt.Errorf("querying cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rawDigest, rawLayers string
		if err := rows.Scan(&rawDigest, &rawLayers); err != nil {
			return fmt.Errorf("scanning cache row: %w", err)
		}
		d := digest.Digest(rawDigest)
		if err := d.Validate(); err != nil {
			c.logger.Warn("skipping cache row with invalid digest", "digest", rawDigest)
			continue
		}
		var layers []usage.Layer
		if err := json.Unmarshal([]byte(rawLayers), &layers); err != nil {
			c.logger.Warn("skipping cache row with invalid layer list", "digest", rawDigest, "error", err)
			continue
		}
		c.entries[d] = layers
	}
	return rows.Err()
}

func (c *Cache) migrate() error {
	const createMigrations = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := c.db.Exec(createMigrations); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var currentVersion int
	if err := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE manifest_layers (
					digest TEXT NOT NULL,
					platform TEXT NOT NULL DEFAULT '',
					layers TEXT NOT NULL,
					cached_at DATETIME NOT NULL,
					PRIMARY KEY (digest, platform)
				);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		c.logger.Debug("applied cache migration", "version", m.version)
	}
	return nil
}
