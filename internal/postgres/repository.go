package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/blackmichael/bluesky-reader/internal/feedcache"
)

// Repository implements feedcache.Store and feedcache.Pruner using
// PostgreSQL, so several reader processes can share first-page snapshots.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the snapshot table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feed_cache (
			key TEXT PRIMARY KEY,
			stored_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feed_cache_stored_at ON feed_cache (stored_at)`)
	if err != nil {
		return fmt.Errorf("create feed_cache table: %w", err)
	}
	return nil
}

// Get returns the snapshot stored under key.
func (r *Repository) Get(ctx context.Context, key string) (feedcache.Entry, bool, error) {
	var (
		storedAt time.Time
		body     []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT stored_at, payload FROM feed_cache WHERE key = $1`, key,
	).Scan(&storedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return feedcache.Entry{}, false, nil
	}
	if err != nil {
		return feedcache.Entry{}, false, fmt.Errorf("query snapshot %s: %w", key, err)
	}

	entry, err := feedcache.DecodePayload(key, storedAt, body)
	if err != nil {
		return feedcache.Entry{}, false, err
	}
	return entry, true, nil
}

// Put upserts a snapshot, replacing any previous one under the same key.
func (r *Repository) Put(ctx context.Context, entry feedcache.Entry) error {
	body, err := feedcache.EncodePayload(entry)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO feed_cache (key, stored_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET stored_at = $2, payload = $3`,
		entry.Key, entry.Timestamp.UTC(), body,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes a snapshot by key.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM feed_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// Keys lists every stored key.
func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key FROM feed_cache ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// DeleteBefore removes snapshots stored before the given time. Returns the
// number of rows deleted.
func (r *Repository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM feed_cache WHERE stored_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
