// Package feedcache keeps the last successful first page of each feed,
// keyed by feed kind and parameters, for a configurable validity window.
package feedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-reader/internal/domain"
)

// Entry is a cached first page. Entries are always replaced whole.
type Entry struct {
	Key       string           `json:"key"`
	Timestamp time.Time        `json:"timestamp"`
	Posts     []domain.Post    `json:"posts"`
	Raw       []domain.RawItem `json:"raw,omitempty"`
	Cursor    string           `json:"cursor"`
}

func (e Entry) clone() Entry {
	e.Posts = domain.ClonePosts(e.Posts)
	e.Raw = domain.CloneRawItems(e.Raw)
	return e
}

// Store persists entries. Put must replace an existing entry atomically.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Pruner is implemented by stores that can drop entries stored before a
// given time.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Cache decides whether a stored entry is still fresh. Stale entries are not
// evicted; they are ignored until overwritten.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New returns a Cache over store. A ttl of zero or less disables hits.
func New(store Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the validity window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the entry for key if it was stored within the validity
// window. Store failures are logged and reported as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	if c.ttl <= 0 {
		return Entry{}, false
	}
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !ok || c.now().Sub(entry.Timestamp) > c.ttl {
		return Entry{}, false
	}
	return entry, true
}

// Save stamps entry with the current time and replaces whatever was stored
// under its key.
func (c *Cache) Save(ctx context.Context, entry Entry) error {
	entry.Timestamp = c.now()
	if err := c.store.Put(ctx, entry.clone()); err != nil {
		return fmt.Errorf("put cache entry %s: %w", entry.Key, err)
	}
	return nil
}

// Invalidate deletes every entry whose key satisfies match and returns how
// many were removed.
func (c *Cache) Invalidate(ctx context.Context, match func(key string) bool) (int, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete cache entry %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		c.logger.Debug("cache entries invalidated", "removed", removed)
	}
	return removed, nil
}

// Keys lists the keys of every stored entry, fresh or stale.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

// MatchKind matches keys of the given feed kind.
func MatchKind(kind domain.FeedKind) func(string) bool {
	prefix := string(kind) + ":"
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}

// MatchParam matches keys of the given kind whose params hold name=value.
func MatchParam(kind domain.FeedKind, name, value string) func(string) bool {
	return func(key string) bool {
		k, params, ok := ParseKey(key)
		return ok && k == kind && params[name] == value
	}
}

// ParseKey splits a key built by domain.CacheKey back into its parts.
func ParseKey(key string) (domain.FeedKind, domain.Params, bool) {
	kind, raw, ok := strings.Cut(key, ":")
	if !ok {
		return "", nil, false
	}
	var params domain.Params
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return "", nil, false
	}
	return domain.FeedKind(kind), params, true
}

// StartPruneJob deletes entries stored more than maxAge ago, immediately and
// then every interval, until ctx is cancelled. It does nothing if the store
// cannot prune.
func (c *Cache) StartPruneJob(ctx context.Context, interval, maxAge time.Duration) {
	pruner, ok := c.store.(Pruner)
	if !ok || maxAge <= 0 {
		return
	}

	c.prune(ctx, pruner, maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.prune(ctx, pruner, maxAge)
		}
	}
}

func (c *Cache) prune(ctx context.Context, pruner Pruner, maxAge time.Duration) {
	deleted, err := pruner.DeleteBefore(ctx, c.now().Add(-maxAge))
	if err != nil {
		c.logger.Error("cache prune failed", "error", err)
	} else if deleted > 0 {
		c.logger.Info("cache prune complete", "deleted", deleted)
	}
}
