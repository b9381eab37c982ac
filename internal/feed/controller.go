// Package feed runs feed sessions: it decides when to trust the shared cache,
// fetches pages through the retry scheduler, normalizes them and merges
// paginated results without duplicates.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
	"github.com/blackmichael/bluesky-reader/internal/normalize"
	"github.com/blackmichael/bluesky-reader/internal/retry"
)

var (
	// ErrNoCursor is returned by LoadMore when there is no next page.
	ErrNoCursor = errors.New("no further pages")

	// ErrBusy is returned by LoadMore while another request is in flight.
	ErrBusy = errors.New("a request is already in flight")

	// ErrNotLoaded is returned by Refresh and LoadMore before any Load.
	ErrNotLoaded = errors.New("no feed loaded")

	// ErrDisabled is returned when fetching is switched off.
	ErrDisabled = errors.New("feed fetching is disabled")
)

// State is the position of a session in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateError       State = "error"
	StateLoadingMore State = "loading_more"
	StateRefreshing  State = "refreshing"
)

// Config controls fetching, caching and retries.
type Config struct {
	CacheTime      time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RequestTimeout bounds each network attempt. Zero means no limit.
	RequestTimeout time.Duration

	// Enabled switches all fetching on or off.
	Enabled bool

	// Normalize maps raw items to posts. When false, sessions hold raw
	// items only; this is meant for diagnostics.
	Normalize bool

	// PageSize is the page limit used when params carry none.
	PageSize int
}

// DefaultConfig returns the configuration used by the reader binaries.
func DefaultConfig() Config {
	return Config{
		CacheTime:      time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
		RequestTimeout: 15 * time.Second,
		Enabled:        true,
		Normalize:      true,
		PageSize:       30,
	}
}

// Budget returns the longest a single fetch can take when every attempt runs
// into RequestTimeout and every backoff draws the largest jitter. Server
// retry-after hints are not included. Zero means unbounded, which is the case
// when RequestTimeout is zero.
func (c Config) Budget() time.Duration {
	if c.RequestTimeout <= 0 {
		return 0
	}
	policy := policyFor(c, nil, nil, nil)
	total := time.Duration(c.MaxRetries+1) * c.RequestTimeout
	for attempt := range c.MaxRetries {
		total += retry.Backoff(attempt, policy, func() float64 { return 1 })
	}
	return total
}

// Failure is the structured form of an error surfaced to callers.
type Failure struct {
	Kind      apierr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func failureOf(err error) *Failure {
	e := apierr.Classify(err)
	if e == nil {
		return nil
	}
	return &Failure{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable()}
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	State     State            `json:"state"`
	Kind      domain.FeedKind  `json:"kind,omitempty"`
	Params    domain.Params    `json:"params,omitempty"`
	Posts     []domain.Post    `json:"posts"`
	Raw       []domain.RawItem `json:"raw,omitempty"`
	Cursor    string           `json:"cursor,omitempty"`
	HasMore   bool             `json:"hasMore"`
	FromCache bool             `json:"fromCache"`
	Error     *Failure         `json:"error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithRand replaces the jitter source.
func WithRand(rnd func() float64) Option {
	return func(c *Controller) { c.rand = rnd }
}

// OnStateChange registers fn to receive a snapshot after every transition.
// fn runs on the goroutine that caused the transition, outside the session
// lock.
func OnStateChange(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller is one feed session. It is safe for concurrent use. Starting a
// Load, Refresh or Reset supersedes whatever request is still in flight; a
// superseded request never touches the session or the cache.
type Controller struct {
	source   domain.FeedSource
	cache    *feedcache.Cache
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
	onChange func(Snapshot)

	mu        sync.Mutex
	state     State
	kind      domain.FeedKind
	params    domain.Params
	posts     []domain.Post
	raw       []domain.RawItem
	seen      map[string]struct{}
	cursor    string
	fromCache bool
	failure   *Failure
	gen       uint64
	cancel    context.CancelFunc
	inFlight  bool
}

// NewController returns an idle session reading from source and sharing
// cache with other sessions.
func NewController(source domain.FeedSource, cache *feedcache.Cache, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		source: source,
		cache:  cache,
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		rand:   rand.Float64,
		state:  StateIdle,
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	posts := domain.ClonePosts(c.posts)
	if posts == nil {
		posts = []domain.Post{}
	}
	var failure *Failure
	if c.failure != nil {
		f := *c.failure
		failure = &f
	}
	return Snapshot{
		State:     c.state,
		Kind:      c.kind,
		Params:    maps.Clone(c.params),
		Posts:     posts,
		Raw:       domain.CloneRawItems(c.raw),
		Cursor:    c.cursor,
		HasMore:   c.cursor != "",
		FromCache: c.fromCache,
		Error:     failure,
	}
}

// Load shows the first page of kind with params. A fresh cache entry is
// served without network access; otherwise the page is fetched, normalized
// and cached.
func (c *Controller) Load(ctx context.Context, kind domain.FeedKind, params domain.Params) (Snapshot, error) {
	if !c.cfg.Enabled {
		return c.Snapshot(), ErrDisabled
	}
	params = params.Canonical()
	if err := validate(kind, params); err != nil {
		return c.Snapshot(), err
	}
	key := domain.CacheKey(kind, params)

	// the store may be remote, so it is read without holding the session lock
	c.mu.Lock()
	observed := c.gen
	c.mu.Unlock()
	entry, hit := c.cache.Lookup(ctx, key)

	c.mu.Lock()
	if c.gen != observed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Debug("superseded load discarded", "feed_kind", kind)
		return snap, nil
	}
	if domain.CacheKey(c.kind, c.params) != key {
		c.clearLocked()
	}
	c.kind, c.params = kind, params

	if hit {
		c.supersedeLocked()
		c.replaceLocked(entry.Posts, entry.Raw, entry.Cursor)
		c.fromCache = true
		c.failure = nil
		c.state = StateReady
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Debug("feed cache hit", "feed_kind", kind, "posts_returned", len(entry.Posts))
		c.notify(snap)
		return snap, nil
	}

	gen, reqCtx := c.beginLocked(ctx, StateLoading)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	return c.fetchFirstPage(ctx, reqCtx, gen, kind, params)
}

// Refresh refetches the first page, bypassing the cache. On failure the
// current list is kept and the error is exposed on the snapshot.
func (c *Controller) Refresh(ctx context.Context) (Snapshot, error) {
	if !c.cfg.Enabled {
		return c.Snapshot(), ErrDisabled
	}

	c.mu.Lock()
	if c.kind == "" {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNotLoaded
	}
	kind, params := c.kind, c.params
	gen, reqCtx := c.beginLocked(ctx, StateRefreshing)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	return c.fetchFirstPage(ctx, reqCtx, gen, kind, params)
}

// LoadMore fetches the page after the current cursor and appends the posts
// not already held. It does not supersede an in-flight request; it fails
// with ErrBusy instead.
func (c *Controller) LoadMore(ctx context.Context) (Snapshot, error) {
	if !c.cfg.Enabled {
		return c.Snapshot(), ErrDisabled
	}

	c.mu.Lock()
	switch {
	case c.kind == "":
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNotLoaded
	case c.inFlight:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	case c.cursor == "":
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNoCursor
	}
	kind, params, cursor := c.kind, c.params, c.cursor
	gen, reqCtx := c.beginLocked(ctx, StateLoadingMore)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	page, err := c.fetch(reqCtx, kind, params, cursor)

	c.mu.Lock()
	if gen != c.gen {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Debug("superseded page discarded", "feed_kind", kind)
		return snap, nil
	}
	c.finishLocked()

	if err != nil {
		return c.failLocked(ctx, kind, err)
	}

	posts := c.toPosts(page.Items)
	added := 0
	for i, p := range posts {
		id := p.Identity()
		if id != "" {
			if _, dup := c.seen[id]; dup {
				continue
			}
			c.seen[id] = struct{}{}
		}
		c.posts = append(c.posts, p)
		if !c.cfg.Normalize {
			c.raw = append(c.raw, page.Items[i])
		}
		added++
	}
	c.cursor = page.Cursor
	c.fromCache = false
	c.failure = nil
	c.state = StateReady
	snap = c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("feed page appended",
		"feed_kind", kind,
		"posts_returned", len(page.Items),
		"posts_added", added,
		"next_cursor", page.Cursor,
	)
	c.notify(snap)
	return snap, nil
}

// Reset clears the session's posts, cursor and error and cancels any
// in-flight request. The shared cache is left alone.
func (c *Controller) Reset() Snapshot {
	c.mu.Lock()
	c.supersedeLocked()
	c.clearLocked()
	c.kind, c.params = "", nil
	c.state = StateIdle
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return snap
}

func (c *Controller) fetchFirstPage(ctx, reqCtx context.Context, gen uint64, kind domain.FeedKind, params domain.Params) (Snapshot, error) {
	page, err := c.fetch(reqCtx, kind, params, "")

	c.mu.Lock()
	if gen != c.gen {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Debug("superseded page discarded", "feed_kind", kind)
		return snap, nil
	}
	c.finishLocked()

	if err != nil {
		return c.failLocked(ctx, kind, err)
	}

	posts := c.toPosts(page.Items)
	var raw []domain.RawItem
	if !c.cfg.Normalize {
		raw = page.Items
	}
	c.replaceLocked(posts, raw, page.Cursor)
	c.fromCache = false
	c.failure = nil
	c.state = StateReady
	snap := c.snapshotLocked()

	// saved under the lock so a newer request cannot be overwritten by this one
	key := domain.CacheKey(kind, params)
	if err := c.cache.Save(ctx, feedcache.Entry{Key: key, Posts: posts, Raw: raw, Cursor: page.Cursor}); err != nil {
		c.logger.Error("failed to cache feed page", "feed_kind", kind, "error", err)
	}
	c.mu.Unlock()

	c.logger.Info("feed page loaded",
		"feed_kind", kind,
		"posts_returned", len(snap.Posts),
		"next_cursor", page.Cursor,
	)
	c.notify(snap)
	return snap, nil
}

// failLocked records err on the session, keeping the current list, and
// unlocks. Cancellation by the caller is not recorded as a failure.
func (c *Controller) failLocked(ctx context.Context, kind domain.FeedKind, err error) (Snapshot, error) {
	// a caller deadline is a timeout like any other; only cancellation is silent
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		if len(c.posts) > 0 || c.cursor != "" {
			c.state = StateReady
		} else {
			c.state = StateIdle
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Debug("feed request cancelled", "feed_kind", kind)
		c.notify(snap)
		if cause := ctx.Err(); cause != nil {
			return snap, cause
		}
		return snap, err
	}

	c.failure = failureOf(err)
	c.state = StateError
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Error("feed request failed", "feed_kind", kind, "error", err)
	c.notify(snap)
	return snap, fmt.Errorf("fetch %s: %w", kind, err)
}

// beginLocked supersedes any in-flight request and starts a new one.
func (c *Controller) beginLocked(ctx context.Context, state State) (uint64, context.Context) {
	c.supersedeLocked()
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.inFlight = true
	c.state = state
	return c.gen, reqCtx
}

func (c *Controller) supersedeLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight = false
	c.gen++
}

func (c *Controller) finishLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight = false
}

func (c *Controller) clearLocked() {
	c.posts = nil
	c.raw = nil
	c.seen = make(map[string]struct{})
	c.cursor = ""
	c.fromCache = false
	c.failure = nil
}

// replaceLocked swaps in a new first page, dropping duplicates within it.
func (c *Controller) replaceLocked(posts []domain.Post, raw []domain.RawItem, cursor string) {
	c.seen = make(map[string]struct{}, len(posts))
	c.posts = make([]domain.Post, 0, len(posts))
	c.raw = nil
	for i, p := range posts {
		if id := p.Identity(); id != "" {
			if _, dup := c.seen[id]; dup {
				continue
			}
			c.seen[id] = struct{}{}
		}
		c.posts = append(c.posts, p)
		if i < len(raw) {
			c.raw = append(c.raw, raw[i])
		}
	}
	c.cursor = cursor
}

func (c *Controller) notify(snap Snapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

// toPosts normalizes items, or in raw mode keeps only their identities so
// pagination can still deduplicate.
func (c *Controller) toPosts(items []domain.RawItem) []domain.Post {
	if c.cfg.Normalize {
		return normalize.Posts(items)
	}
	posts := make([]domain.Post, len(items))
	for i, item := range items {
		full := normalize.Post(item)
		p := domain.EmptyPost()
		p.URI, p.CID, p.Author.DID = full.URI, full.CID, full.Author.DID
		posts[i] = p
	}
	return posts
}

// fetch runs one page request for kind inside the retry scheduler. Each
// attempt is bounded by RequestTimeout.
func (c *Controller) fetch(ctx context.Context, kind domain.FeedKind, params domain.Params, cursor string) (domain.RawPage, error) {
	policy := policyFor(c.cfg, c.sleep, c.rand, func(err error, attempt int, delay time.Duration) {
		c.logger.Warn("retrying feed request",
			"feed_kind", kind,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})

	q := domain.PageQuery{Limit: pageLimit(params, c.cfg.PageSize), Cursor: cursor}
	return retry.Do(ctx, policy, func(ctx context.Context) (domain.RawPage, error) {
		return withTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (domain.RawPage, error) {
			return c.call(ctx, kind, params, q)
		})
	})
}

// call maps a feed kind onto its network operation.
func (c *Controller) call(ctx context.Context, kind domain.FeedKind, params domain.Params, q domain.PageQuery) (domain.RawPage, error) {
	switch kind {
	case domain.KindTimeline:
		return c.source.Timeline(ctx, q)
	case domain.KindAuthorFeed:
		return c.source.AuthorFeed(ctx, params[domain.ParamActor], q)
	case domain.KindHashtag:
		return c.source.SearchPosts(ctx, "#"+strings.TrimPrefix(params[domain.ParamTag], "#"), q)
	case domain.KindLikes:
		return c.source.Likes(ctx, params[domain.ParamActor], q)
	case domain.KindSuggestedAccounts:
		page, err := c.source.SuggestedAccounts(ctx, q)
		if err != nil {
			return domain.RawPage{}, err
		}
		items := make([]domain.RawItem, len(page.Items))
		for i, actor := range page.Items {
			items[i] = domain.RawItem{"post": map[string]any{"author": actor}}
		}
		return domain.RawPage{Items: items, Cursor: page.Cursor}, nil
	default:
		return domain.RawPage{}, apierr.New(apierr.KindValidation, fmt.Sprintf("unknown feed kind %q", kind))
	}
}

func validate(kind domain.FeedKind, params domain.Params) error {
	if !kind.Valid() {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("unknown feed kind %q", kind))
	}
	switch kind {
	case domain.KindAuthorFeed, domain.KindLikes:
		if params[domain.ParamActor] == "" {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("%s requires %q", kind, domain.ParamActor))
		}
	case domain.KindHashtag:
		if strings.TrimPrefix(params[domain.ParamTag], "#") == "" {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("%s requires %q", kind, domain.ParamTag))
		}
	}
	if v, ok := params[domain.ParamLimit]; ok {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("invalid %s %q", domain.ParamLimit, v))
		}
	}
	return nil
}

func pageLimit(params domain.Params, fallback int) int {
	if n, err := strconv.Atoi(params[domain.ParamLimit]); err == nil && n > 0 {
		return n
	}
	return fallback
}

// policyFor builds the retry policy for cfg.
func policyFor(cfg Config, sleep func(context.Context, time.Duration) error, rnd func() float64, onRetry func(error, int, time.Duration)) retry.Policy {
	return retry.Policy{
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      true,
		ShouldRetry: retry.DefaultShouldRetry,
		OnRetry:     onRetry,
		Sleep:       sleep,
		Rand:        rnd,
	}
}

// withTimeout runs op under timeout. An attempt that runs out of time while
// the parent is still live is reported as a timeout failure.
func withTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return result, &apierr.Error{
			Kind:    apierr.KindTimeout,
			Message: fmt.Sprintf("request timed out after %s", timeout),
			Err:     err,
		}
	}
	return result, err
}
