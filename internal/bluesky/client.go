package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
	"github.com/blackmichael/bluesky-reader/internal/domain"
)

const (
	defaultService = "https://public.api.bsky.app"
	defaultPDS     = "https://bsky.social"
)

// Client is a minimal BlueSky/AT Protocol API client for reading feeds and
// managing follows. Unauthenticated reads go to the public AppView; after
// Login every request goes to the PDS, which proxies reads on the account's
// behalf.
type Client struct {
	service    string
	pds        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time

	// populated after Login
	mu        sync.RWMutex
	accessJwt string
	did       string
}

// Option configures a Client.
type Option func(*Client)

// WithPDS sets the PDS used by Login and authenticated requests.
func WithPDS(pds string) Option {
	return func(c *Client) {
		if pds != "" {
			c.pds = strings.TrimRight(pds, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests per second. Zero or less disables the
// limit.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new BlueSky API client. If service is empty, it
// defaults to the public AppView.
func NewClient(service string, opts ...Option) *Client {
	if service == "" {
		service = defaultService
	}
	c := &Client{
		service: strings.TrimRight(service, "/"),
		pds:     defaultPDS,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.send(ctx, http.MethodPost, c.pds, "com.atproto.server.createSession", nil, body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.mu.Unlock()

	c.logger.Info("logged in", "did", resp.DID, "handle", resp.Handle)
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

// Timeline returns the authenticated account's home timeline.
func (c *Client) Timeline(ctx context.Context, q domain.PageQuery) (domain.RawPage, error) {
	if err := c.requireSession(); err != nil {
		return domain.RawPage{}, err
	}
	return c.list(ctx, "app.bsky.feed.getTimeline", pageValues(q), "feed")
}

// AuthorFeed returns posts and reposts by actor.
func (c *Client) AuthorFeed(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	v := pageValues(q)
	v.Set("actor", actor)
	return c.list(ctx, "app.bsky.feed.getAuthorFeed", v, "feed")
}

// SearchPosts runs a full-text post search.
func (c *Client) SearchPosts(ctx context.Context, query string, q domain.PageQuery) (domain.RawPage, error) {
	v := pageValues(q)
	v.Set("q", query)
	return c.list(ctx, "app.bsky.feed.searchPosts", v, "posts")
}

// Likes returns posts liked by actor. The AppView only serves an account's
// own likes, so this requires a session.
func (c *Client) Likes(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	if err := c.requireSession(); err != nil {
		return domain.RawPage{}, err
	}
	v := pageValues(q)
	v.Set("actor", actor)
	return c.list(ctx, "app.bsky.feed.getActorLikes", v, "feed")
}

// SuggestedAccounts returns raw profiles of accounts to follow.
func (c *Client) SuggestedAccounts(ctx context.Context, q domain.PageQuery) (domain.RawPage, error) {
	return c.list(ctx, "app.bsky.actor.getSuggestions", pageValues(q), "actors")
}

// Followers returns raw profiles of accounts following actor.
func (c *Client) Followers(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	v := pageValues(q)
	v.Set("actor", actor)
	return c.list(ctx, "app.bsky.graph.getFollowers", v, "followers")
}

// Follows returns raw profiles of accounts actor follows.
func (c *Client) Follows(ctx context.Context, actor string, q domain.PageQuery) (domain.RawPage, error) {
	v := pageValues(q)
	v.Set("actor", actor)
	return c.list(ctx, "app.bsky.graph.getFollows", v, "follows")
}

// Follow creates an app.bsky.graph.follow record for subjectDID in the
// authenticated user's repo and returns its AT-URI.
func (c *Client) Follow(ctx context.Context, subjectDID string) (string, error) {
	if err := c.requireSession(); err != nil {
		return "", err
	}

	body := createRecordRequest{
		Repo:       c.DID(),
		Collection: followCollection,
		Record: followRecord{
			Type:      followCollection,
			Subject:   subjectDID,
			CreatedAt: c.now().UTC().Format(time.RFC3339),
		},
	}

	var resp createRecordResponse
	if err := c.send(ctx, http.MethodPost, c.pds, "com.atproto.repo.createRecord", nil, body, &resp); err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	return resp.URI, nil
}

// Unfollow deletes the follow record at followURI via
// com.atproto.repo.deleteRecord.
func (c *Client) Unfollow(ctx context.Context, followURI string) error {
	if err := c.requireSession(); err != nil {
		return err
	}

	repo, collection, rkey, err := parseATURI(followURI)
	if err != nil {
		return apierr.New(apierr.KindValidation, err.Error())
	}
	if collection != followCollection {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("%s is not a follow record", followURI))
	}

	body := deleteRecordRequest{
		Repo:       repo,
		Collection: collection,
		RKey:       rkey,
	}
	if err := c.send(ctx, http.MethodPost, c.pds, "com.atproto.repo.deleteRecord", nil, body, nil); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (c *Client) requireSession() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessJwt == "" {
		return apierr.New(apierr.KindAuth, "not authenticated: call Login first")
	}
	return nil
}

// list fetches one page of a listing endpoint whose items live under key.
func (c *Client) list(ctx context.Context, nsid string, params url.Values, key string) (domain.RawPage, error) {
	var body map[string]json.RawMessage
	if err := c.send(ctx, http.MethodGet, c.readBase(), nsid, params, nil, &body); err != nil {
		return domain.RawPage{}, fmt.Errorf("%s: %w", nsid, err)
	}

	page := domain.RawPage{Items: []domain.RawItem{}}
	if raw, ok := body[key]; ok {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return domain.RawPage{}, fmt.Errorf("%s: unmarshal %s: %w", nsid, key, err)
		}
	}
	if raw, ok := body["cursor"]; ok {
		// a malformed cursor ends pagination rather than failing the page
		_ = json.Unmarshal(raw, &page.Cursor)
	}

	c.logger.Debug("fetched page", "nsid", nsid, "items", len(page.Items), "next_cursor", page.Cursor)
	return page, nil
}

func (c *Client) readBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessJwt != "" {
		return c.pds
	}
	return c.service
}

// send performs one XRPC call. Non-2xx responses and transport failures are
// returned as classified *apierr.Error values.
func (c *Client) send(ctx context.Context, method, base, nsid string, params url.Values, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apierr.FromTransport(fmt.Errorf("rate limiter: %w", context.DeadlineExceeded))
	}

	u := base + "/xrpc/" + nsid
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.accessJwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", apierr.FromTransport(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", apierr.FromTransport(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.FromStatus(resp.StatusCode, resp.Header, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func pageValues(q domain.PageQuery) url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(min(q.Limit, 100)))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}

// parseATURI splits at://<repo>/<collection>/<rkey>.
func parseATURI(uri string) (repo, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("invalid AT-URI %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid AT-URI %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

const followCollection = "app.bsky.graph.follow"

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type followRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}
