// Package firehose watches the Jetstream firehose for new activity by the
// authors whose feeds are cached, and invalidates those cache entries so the
// next load refetches instead of serving a snapshot that is known to be old.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
)

const (
	// maxWantedDIDs is the Jetstream limit on wantedDids per connection.
	maxWantedDIDs = 10_000

	defaultReconnectDelay = 5 * time.Second
	defaultRefresh        = 30 * time.Second
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Both show up in author feeds.
var wantedCollections = []string{
	"app.bsky.feed.post",
	"app.bsky.feed.repost",
}

// Subscriber connects to the Jetstream firehose and invalidates cached author
// feeds as their authors post, repost or delete.
type Subscriber struct {
	url             string
	cache           *feedcache.Cache
	logger          *slog.Logger
	dialer          *websocket.Dialer
	reconnectDelay  time.Duration
	refreshInterval time.Duration

	// cursor is the time_us of the last event seen, used to resume after a
	// reconnect. Only touched by the Start goroutine.
	cursor int64
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, cache *feedcache.Cache, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Subscriber{
		url:             firehoseURL,
		cache:           cache,
		logger:          logger,
		dialer:          websocket.DefaultDialer,
		reconnectDelay:  defaultReconnectDelay,
		refreshInterval: defaultRefresh,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors, and stays
// disconnected while no author feed is cached.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		dids, err := s.watchedDIDs(ctx)
		if err != nil {
			s.logger.Warn("failed to list watched authors", "error", err)
		}

		wait := s.refreshInterval
		if len(dids) > 0 {
			if err := s.subscribe(ctx, dids); err != nil && ctx.Err() == nil {
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				wait = s.reconnectDelay
			} else {
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) buildURL(dids []string) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	for _, d := range dids {
		q.Add("wantedDids", d)
	}
	if s.cursor > 0 {
		q.Set("cursor", strconv.FormatInt(s.cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context, dids []string) error {
	wsURL := s.buildURL(dids)
	s.logger.Info("connecting to firehose", "url", s.url, "watched_authors", len(dids))

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to firehose")

	done := make(chan struct{})
	defer close(done)
	go s.followCache(ctx, conn, dids, done)

	var eventsReceived, invalidated int64
	lastStatsLog := time.Now()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		s.cursor = event.TimeUS

		if event.Kind == "commit" && event.Commit != nil {
			n, err := s.handleCommit(ctx, event)
			if err != nil {
				s.logger.Error("failed to handle commit", "error", err)
			}
			invalidated += int64(n)
		}

		// Log stats every 30 seconds
		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"entries_invalidated", invalidated,
			)
			lastStatsLog = time.Now()
		}
	}
}

// followCache keeps the connection's DID filter in step with the cache. It
// closes the connection when ctx ends or when nothing is left to watch, since
// an empty wantedDids filter means every account on the network.
func (s *Subscriber) followCache(ctx context.Context, conn *websocket.Conn, current []string, done <-chan struct{}) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			dids, err := s.watchedDIDs(ctx)
			if err != nil {
				s.logger.Warn("failed to list watched authors", "error", err)
				continue
			}
			if slices.Equal(dids, current) {
				continue
			}
			if len(dids) == 0 {
				s.logger.Info("no cached author feeds left, disconnecting")
				conn.Close()
				return
			}
			update := optionsUpdate{
				Type: "options_update",
				Payload: optionsPayload{
					WantedCollections: wantedCollections,
					WantedDIDs:        dids,
				},
			}
			if err := conn.WriteJSON(update); err != nil {
				s.logger.Error("failed to update firehose filter", "error", err)
				conn.Close()
				return
			}
			current = dids
			s.logger.Debug("firehose filter updated", "watched_authors", len(dids))
		}
	}
}

// watchedDIDs returns the sorted DIDs of every cached author feed. Feeds keyed
// by handle are skipped; Jetstream filters by DID only.
func (s *Subscriber) watchedDIDs(ctx context.Context) ([]string, error) {
	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var dids []string
	for _, key := range keys {
		kind, params, ok := feedcache.ParseKey(key)
		if !ok || kind != domain.KindAuthorFeed {
			continue
		}
		actor := params[domain.ParamActor]
		if strings.HasPrefix(actor, "did:") && !slices.Contains(dids, actor) {
			dids = append(dids, actor)
		}
	}
	slices.Sort(dids)
	if len(dids) > maxWantedDIDs {
		dids = dids[:maxWantedDIDs]
	}
	return dids, nil
}

// handleCommit invalidates the author feed of the committing account and
// returns how many entries were dropped.
func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) (int, error) {
	commit := event.Commit
	if !slices.Contains(wantedCollections, commit.Collection) {
		return 0, nil
	}
	if commit.Operation != "create" && commit.Operation != "delete" {
		return 0, nil
	}

	n, err := s.cache.Invalidate(ctx, feedcache.MatchParam(domain.KindAuthorFeed, domain.ParamActor, event.DID))
	if err != nil {
		return n, err
	}
	if n > 0 {
		attrs := []any{
			"did", event.DID,
			"collection", commit.Collection,
			"operation", commit.Operation,
		}
		if commit.Record != nil {
			attrs = append(attrs, "text_preview", truncate(commit.Record.Text, 100))
		}
		s.logger.Info("author feed invalidated", attrs...)
	}
	return n, nil
}

// truncate returns the first n bytes of s, appending "..." if truncated.
// The cut is moved back to a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var raw struct {
		DID    string          `json:"did"`
		TimeUS int64           `json:"time_us"`
		Kind   string          `json:"kind"`
		Commit json.RawMessage `json:"commit,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	event := &jetstreamEvent{
		DID:    raw.DID,
		TimeUS: raw.TimeUS,
		Kind:   raw.Kind,
	}

	if raw.Kind == "commit" && len(raw.Commit) > 0 {
		var rc struct {
			Rev        string          `json:"rev"`
			Operation  string          `json:"operation"`
			Collection string          `json:"collection"`
			RKey       string          `json:"rkey"`
			Record     json.RawMessage `json:"record,omitempty"`
			CID        string          `json:"cid"`
		}
		if err := json.Unmarshal(raw.Commit, &rc); err != nil {
			return nil, fmt.Errorf("unmarshal commit: %w", err)
		}

		commit := &jetstreamCommit{
			Rev:        rc.Rev,
			Operation:  rc.Operation,
			Collection: rc.Collection,
			RKey:       rc.RKey,
			CID:        rc.CID,
		}

		if len(rc.Record) > 0 && rc.Collection == "app.bsky.feed.post" {
			var record postRecord
			if err := json.Unmarshal(rc.Record, &record); err != nil {
				return nil, fmt.Errorf("unmarshal post record: %w", err)
			}
			commit.Record = &record
		}

		event.Commit = commit
	}

	return event, nil
}
