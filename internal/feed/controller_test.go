package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
)

// fakeSource serves scripted responses per method.
type fakeSource struct {
	mu      sync.Mutex
	calls   []string
	queries []domain.PageQuery
	results []result
	block   chan struct{}
}

type result struct {
	page domain.RawPage
	err  error
}

func (f *fakeSource) next(ctx context.Context, call string, q domain.PageQuery) (domain.RawPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.queries = append(f.queries, q)
	block := f.block
	var r result
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.RawPage{}, ctx.Err()
		}
	}
	return r.page, r.err
}

func (f *fakeSource) Timeline(ctx context.Context, q domain.PageQuery) (domain.RawPage, error) {
	return f.next(ctx, "timeline", q)
}

func (f *fakeSource) AuthorFeed(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	return f.next(ctx, "author:"+actor, q)
}

func (f *fakeSource) SearchPosts(ctx context.Context, query string, q domain.PageQuery) (domain.RawPage, error) {
	return f.next(ctx, "search:"+query, q)
}

func (f *fakeSource) Likes(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	return f.next(ctx, "likes:"+actor, q)
}

func (f *fakeSource) SuggestedAccounts(ctx context.Context, q domain.PageQuery) (domain.RawPage, error) {
	return f.next(ctx, "suggested", q)
}

func (f *fakeSource) push(page domain.RawPage, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result{page: page, err: err})
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func item(uri string) domain.RawItem {
	return domain.RawItem{"post": map[string]any{
		"uri":    uri,
		"cid":    "cid-" + uri,
		"author": map[string]any{"did": "did:plc:alice", "handle": "alice.test"},
		"record": map[string]any{"text": "post " + uri},
	}}
}

func page(cursor string, uris ...string) domain.RawPage {
	items := make([]domain.RawItem, len(uris))
	for i, u := range uris {
		items[i] = item(u)
	}
	return domain.RawPage{Items: items, Cursor: cursor}
}

func uris(posts []domain.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.URI
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestController(t *testing.T, src *fakeSource, opts ...Option) (*Controller, *clock, *sleepRecorder) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute, feedcache.WithClock(clk.now))
	sleeps := &sleepRecorder{}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 0
	opts = append([]Option{WithSleep(sleeps.sleep), WithRand(func() float64 { return 0.5 })}, opts...)
	return NewController(src, cache, cfg, opts...), clk, sleeps
}

func TestLoadFetchesNormalizesAndCaches(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1", "at://2"), nil)
	c, _, _ := newTestController(t, src)

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, []string{"at://1", "at://2"}, uris(snap.Posts))
	assert.Equal(t, "alice.test", snap.Posts[0].Author.Handle)
	assert.Equal(t, "c1", snap.Cursor)
	assert.True(t, snap.HasMore)
	assert.False(t, snap.FromCache)
	assert.Equal(t, 30, src.queries[0].Limit)
	assert.Equal(t, "", src.queries[0].Cursor)

	// second load within the validity window is served from cache
	snap, err = c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.Equal(t, []string{"at://1", "at://2"}, uris(snap.Posts))
	assert.Equal(t, 1, src.callCount())
}

func TestLoadAfterTTLRefetches(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("", "at://1"), nil)
	src.push(page("", "at://2"), nil)
	c, clk, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	clk.t = clk.t.Add(61 * time.Second)
	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.False(t, snap.FromCache)
	assert.Equal(t, []string{"at://2"}, uris(snap.Posts))
	assert.False(t, snap.HasMore)
}

func TestCacheIsSharedBetweenSessions(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c", "at://1"), nil)
	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute)

	a := NewController(src, cache, DefaultConfig())
	b := NewController(src, cache, DefaultConfig())

	_, err := a.Load(ctx, domain.KindAuthorFeed, domain.Params{domain.ParamActor: "alice.test"})
	require.NoError(t, err)
	snap, err := b.Load(ctx, domain.KindAuthorFeed, domain.Params{domain.ParamActor: "alice.test", "unused": ""})
	require.NoError(t, err)

	assert.True(t, snap.FromCache)
	assert.Equal(t, 1, src.callCount())
}

func TestNetworkOperationPerKind(t *testing.T) {
	tests := []struct {
		kind   domain.FeedKind
		params domain.Params
		call   string
	}{
		{domain.KindTimeline, nil, "timeline"},
		{domain.KindAuthorFeed, domain.Params{"actor": "alice.test"}, "author:alice.test"},
		{domain.KindHashtag, domain.Params{"tag": "golang"}, "search:#golang"},
		{domain.KindHashtag, domain.Params{"tag": "#golang"}, "search:#golang"},
		{domain.KindLikes, domain.Params{"actor": "did:plc:bob"}, "likes:did:plc:bob"},
		{domain.KindSuggestedAccounts, nil, "suggested"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			src := &fakeSource{}
			c, _, _ := newTestController(t, src)

			_, err := c.Load(context.Background(), tt.kind, tt.params)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.call}, src.calls)
		})
	}
}

func TestLimitParam(t *testing.T) {
	src := &fakeSource{}
	c, _, _ := newTestController(t, src)

	_, err := c.Load(context.Background(), domain.KindTimeline, domain.Params{"limit": "5"})
	require.NoError(t, err)
	assert.Equal(t, 5, src.queries[0].Limit)

	_, err = c.Load(context.Background(), domain.KindTimeline, domain.Params{"limit": "zero"})
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestSuggestedAccountsBecomePseudoItems(t *testing.T) {
	src := &fakeSource{}
	src.push(domain.RawPage{Items: []domain.RawItem{
		{"did": "did:plc:carol", "handle": "carol.test", "followersCount": float64(12)},
	}}, nil)
	c, _, _ := newTestController(t, src)

	snap, err := c.Load(context.Background(), domain.KindSuggestedAccounts, nil)
	require.NoError(t, err)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, "did:plc:carol", snap.Posts[0].Author.DID)
	assert.Equal(t, "carol.test", snap.Posts[0].Author.DisplayName)
	assert.Equal(t, 12, snap.Posts[0].Author.FollowersCount)
}

func TestLoadValidation(t *testing.T) {
	src := &fakeSource{}
	c, _, _ := newTestController(t, src)

	for _, tt := range []struct {
		kind   domain.FeedKind
		params domain.Params
	}{
		{"bogus", nil},
		{domain.KindAuthorFeed, nil},
		{domain.KindLikes, domain.Params{"actor": ""}},
		{domain.KindHashtag, domain.Params{"tag": "#"}},
	} {
		snap, err := c.Load(context.Background(), tt.kind, tt.params)
		assert.True(t, apierr.Is(err, apierr.KindValidation), "%s %v", tt.kind, tt.params)
		assert.Equal(t, StateIdle, snap.State)
	}
	assert.Equal(t, 0, src.callCount())
}

func TestLoadMoreDeduplicates(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1", "at://2"), nil)
	src.push(page("c2", "at://2", "at://3", "at://1"), nil)
	src.push(page("", "at://3", "at://4"), nil)
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	snap, err := c.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://1", "at://2", "at://3"}, uris(snap.Posts))
	assert.Equal(t, "c1", src.queries[1].Cursor)

	snap, err = c.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://1", "at://2", "at://3", "at://4"}, uris(snap.Posts))
	assert.False(t, snap.HasMore)

	_, err = c.LoadMore(ctx)
	assert.ErrorIs(t, err, ErrNoCursor)
}

func TestLoadMoreDoesNotTouchCache(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1"), nil)
	src.push(page("c2", "at://2"), nil)
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	_, err = c.LoadMore(ctx)
	require.NoError(t, err)

	entry, ok := c.cache.Lookup(ctx, domain.CacheKey(domain.KindTimeline, nil))
	require.True(t, ok)
	assert.Equal(t, "c1", entry.Cursor)
	assert.Len(t, entry.Posts, 1)
}

func TestLoadMoreBeforeLoad(t *testing.T) {
	c, _, _ := newTestController(t, &fakeSource{})
	_, err := c.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestLoadMoreFailureKeepsList(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1"), nil)
	src.push(domain.RawPage{}, &apierr.Error{Kind: apierr.KindAuth, Status: 401, Message: "expired"})
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	snap, err := c.LoadMore(ctx)
	require.Error(t, err)
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, []string{"at://1"}, uris(snap.Posts))
	assert.Equal(t, "c1", snap.Cursor)
	require.NotNil(t, snap.Error)
	assert.Equal(t, apierr.KindAuth, snap.Error.Kind)
	assert.False(t, snap.Error.Retryable)
}

func TestRefreshReplacesList(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1", "at://2"), nil)
	src.push(page("c1", "at://2"), nil)
	src.push(page("", "at://9"), nil)
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	_, err = c.LoadMore(ctx)
	require.NoError(t, err)

	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://9"}, uris(snap.Posts))
	assert.False(t, snap.FromCache)
	assert.Equal(t, 3, src.callCount(), "refresh bypasses the fresh cache entry")

	entry, ok := c.cache.Lookup(ctx, domain.CacheKey(domain.KindTimeline, nil))
	require.True(t, ok)
	assert.Len(t, entry.Posts, 1)
}

func TestRefreshFailureKeepsList(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1", "at://2"), nil)
	src.push(domain.RawPage{}, &apierr.Error{Kind: apierr.KindValidation, Status: 400, Message: "bad"})
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	snap, err := c.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"at://1", "at://2"}, uris(snap.Posts))
	require.NotNil(t, snap.Error)
	assert.Equal(t, apierr.KindValidation, snap.Error.Kind)
	assert.Equal(t, "bad", snap.Error.Message)
}

func TestRetriesServerErrors(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	serverErr := &apierr.Error{Kind: apierr.KindServer, Status: 503, Message: "unavailable"}
	src.push(domain.RawPage{}, serverErr)
	src.push(domain.RawPage{}, serverErr)
	src.push(domain.RawPage{}, serverErr)
	src.push(page("", "at://1"), nil)
	c, _, sleeps := newTestController(t, src)

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://1"}, uris(snap.Posts))
	assert.Equal(t, 4, src.callCount())
	// rand fixed at 0.5 gives a jitter factor of exactly 1
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestRetriesExhausted(t *testing.T) {
	src := &fakeSource{}
	for range 4 {
		src.push(domain.RawPage{}, &apierr.Error{Kind: apierr.KindServer, Status: 500, Message: "boom"})
	}
	c, _, _ := newTestController(t, src)

	snap, err := c.Load(context.Background(), domain.KindTimeline, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindServer))
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, 4, src.callCount())
}

func TestOfflineIsNotRetried(t *testing.T) {
	src := &fakeSource{}
	src.push(domain.RawPage{}, apierr.New(apierr.KindOffline, "no route"))
	c, _, sleeps := newTestController(t, src)

	_, err := c.Load(context.Background(), domain.KindTimeline, nil)
	assert.True(t, apierr.Is(err, apierr.KindOffline))
	assert.Equal(t, 1, src.callCount())
	assert.Empty(t, sleeps.delays)
}

func TestRequestTimeoutIsRetryable(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute)
	sleeps := &sleepRecorder{}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	c := NewController(src, cache, cfg, WithSleep(sleeps.sleep))

	snap, err := c.Load(context.Background(), domain.KindTimeline, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindTimeout))
	assert.Equal(t, 2, src.callCount())
	require.NotNil(t, snap.Error)
	assert.True(t, snap.Error.Retryable)
}

func TestNewLoadSupersedesInFlight(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{block: make(chan struct{})}
	src.push(page("", "at://stale"), nil)
	c, _, _ := newTestController(t, src)

	type outcome struct {
		snap Snapshot
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		snap, err := c.Load(ctx, domain.KindAuthorFeed, domain.Params{"actor": "alice.test"})
		first <- outcome{snap, err}
	}()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)

	src.mu.Lock()
	src.block = nil
	src.mu.Unlock()
	src.push(page("", "at://fresh"), nil)

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://fresh"}, uris(snap.Posts))

	got := <-first
	assert.NoError(t, got.err, "superseded requests are silent")
	assert.Equal(t, domain.KindTimeline, got.snap.Kind)

	// the superseded request must not have written its page anywhere
	assert.Equal(t, []string{"at://fresh"}, uris(c.Snapshot().Posts))
	_, ok := c.cache.Lookup(ctx, domain.CacheKey(domain.KindAuthorFeed, domain.Params{"actor": "alice.test"}))
	assert.False(t, ok)
}

func TestLoadMoreWhileLoadingIsBusy(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1"), nil)
	c, _, _ := newTestController(t, src)
	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	src.mu.Lock()
	src.block = make(chan struct{})
	src.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_, _ = c.Refresh(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Snapshot().State == StateRefreshing }, time.Second, time.Millisecond)

	_, err = c.LoadMore(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	c.Reset()
	<-done
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	c, _, _ := newTestController(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for src.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, snap.Error)
	assert.Equal(t, StateIdle, snap.State)
}

func TestCallerDeadlineIsATimeout(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	c, _, _ := newTestController(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, apierr.KindTimeout, snap.Error.Kind)
}

func TestBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RequestTimeout = time.Second
	cfg.RetryBaseDelay = 100 * time.Millisecond
	cfg.RetryMaxDelay = 150 * time.Millisecond

	// 3 attempts, then backoffs of 100ms and 150ms (capped), each at most 1.3x
	assert.InDelta(t, float64(3*time.Second+325*time.Millisecond), float64(cfg.Budget()), float64(time.Millisecond))

	cfg.RequestTimeout = 0
	assert.Equal(t, time.Duration(0), cfg.Budget())
}

func TestResetKeepsCache(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1"), nil)
	c, _, _ := newTestController(t, src)

	_, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)

	snap := c.Reset()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Posts)
	assert.Empty(t, snap.Cursor)
	assert.Nil(t, snap.Error)

	snap, err = c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.Equal(t, 1, src.callCount())
}

func TestDisabled(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := NewController(src, feedcache.New(feedcache.NewMemoryStore(), time.Minute), cfg)

	_, err := c.Load(context.Background(), domain.KindTimeline, nil)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 0, src.callCount())
}

func TestRawMode(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.push(page("c1", "at://1"), nil)
	src.push(page("", "at://1", "at://2"), nil)
	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute)
	cfg := DefaultConfig()
	cfg.Normalize = false
	c := NewController(src, cache, cfg)

	snap, err := c.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	require.Len(t, snap.Raw, 1)
	assert.Equal(t, "", snap.Posts[0].Text, "raw mode skips full normalization")

	snap, err = c.LoadMore(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Raw, 2)
	assert.Equal(t, "at://2", snap.Raw[1]["post"].(map[string]any)["uri"])
}

func TestStateChangeHook(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	src := &fakeSource{}
	src.push(page("", "at://1"), nil)
	c, _, _ := newTestController(t, src, OnStateChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}))

	_, err := c.Load(context.Background(), domain.KindTimeline, nil)
	require.NoError(t, err)
	c.Reset()

	assert.Equal(t, []State{StateLoading, StateReady, StateIdle}, states)
}

func TestErrorWrapsKind(t *testing.T) {
	src := &fakeSource{}
	src.push(domain.RawPage{}, fmt.Errorf("wrapped: %w", &apierr.Error{Kind: apierr.KindAuth, Message: "nope"}))
	c, _, _ := newTestController(t, src)

	_, err := c.Load(context.Background(), domain.KindTimeline, nil)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.KindAuth, apiErr.Kind)
}

func TestSnapshotEditsDoNotReachOtherSessions(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	mention := item("at://1")
	mention["post"].(map[string]any)["record"] = map[string]any{
		"text": "hi @bob",
		"facets": []any{map[string]any{
			"index":    map[string]any{"byteStart": 3, "byteEnd": 7},
			"features": []any{map[string]any{"$type": "app.bsky.richtext.facet#mention", "did": "did:plc:bob"}},
		}},
	}
	src.push(domain.RawPage{Items: []domain.RawItem{mention}}, nil)
	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute)

	a := NewController(src, cache, DefaultConfig())
	snap, err := a.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	require.Len(t, snap.Posts[0].Facets, 1)
	snap.Posts[0].Facets[0].Features[0].DID = "did:plc:changed"

	assert.Equal(t, "did:plc:bob", a.Snapshot().Posts[0].Facets[0].Features[0].DID)

	b := NewController(src, cache, DefaultConfig())
	other, err := b.Load(ctx, domain.KindTimeline, nil)
	require.NoError(t, err)
	assert.True(t, other.FromCache)
	assert.Equal(t, "did:plc:bob", other.Posts[0].Facets[0].Features[0].DID)
}

// slowStore blocks every Get until release is closed.
type slowStore struct {
	*feedcache.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Get(ctx context.Context, key string) (feedcache.Entry, bool, error) {
	close(s.entered)
	<-s.release
	return s.MemoryStore.Get(ctx, key)
}

func TestSlowCacheLookupDoesNotBlockSession(t *testing.T) {
	src := &fakeSource{}
	store := &slowStore{
		MemoryStore: feedcache.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := NewController(src, feedcache.New(store, time.Minute), DefaultConfig())

	type outcome struct {
		snap Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := c.Load(context.Background(), domain.KindTimeline, nil)
		done <- outcome{snap, err}
	}()
	<-store.entered

	unblocked := make(chan Snapshot, 1)
	go func() { unblocked <- c.Reset() }()
	select {
	case snap := <-unblocked:
		assert.Equal(t, StateIdle, snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Reset blocked behind the cache lookup")
	}

	close(store.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateIdle, res.snap.State)
	assert.Equal(t, 0, src.callCount())
}
