// Package sqlite persists feed cache entries in a local SQLite file so a
// restarted reader can serve its last first pages without a network round trip.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/bluesky-reader/internal/feedcache"
)

// Store implements feedcache.Store and feedcache.Pruner.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a
// process-local database shared by every connection in the pool.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feed_cache (
		key TEXT PRIMARY KEY,
		stored_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feed_cache_stored ON feed_cache(stored_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (feedcache.Entry, bool, error) {
	var (
		storedAt int64
		body     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT stored_at, payload FROM feed_cache WHERE key = ?`, key,
	).Scan(&storedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return feedcache.Entry{}, false, nil
	}
	if err != nil {
		return feedcache.Entry{}, false, fmt.Errorf("query entry: %w", err)
	}

	entry, err := feedcache.DecodePayload(key, time.UnixMilli(storedAt), []byte(body))
	if err != nil {
		return feedcache.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Put(ctx context.Context, entry feedcache.Entry) error {
	body, err := feedcache.EncodePayload(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_cache (key, stored_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET stored_at = excluded.stored_at, payload = excluded.payload`,
		entry.Key, entry.Timestamp.UnixMilli(), string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM feed_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM feed_cache ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
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

// DeleteBefore removes entries stored before the given time.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feed_cache WHERE stored_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
