package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
	"github.com/blackmichael/bluesky-reader/internal/normalize"
	"github.com/blackmichael/bluesky-reader/internal/retry"
)

// Connections is the first page of an account's followers and follows.
type Connections struct {
	Actor           string          `json:"actor"`
	Followers       []domain.Author `json:"followers"`
	FollowersCursor string          `json:"followersCursor,omitempty"`
	Follows         []domain.Author `json:"follows"`
	FollowsCursor   string          `json:"followsCursor,omitempty"`
}

// Graph reads and changes who an account follows.
type Graph struct {
	source domain.GraphSource
	cache  *feedcache.Cache
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewGraph returns a Graph. Follow changes invalidate cached suggested
// accounts in cache.
func NewGraph(source domain.GraphSource, cache *feedcache.Cache, cfg Config, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Graph{source: source, cache: cache, cfg: cfg, logger: logger}
}

// Connections fetches followers and follows of actor concurrently and
// returns once both have arrived. Either failing fails the whole call.
func (g *Graph) Connections(ctx context.Context, actor string) (Connections, error) {
	if !g.cfg.Enabled {
		return Connections{}, ErrDisabled
	}
	if actor == "" {
		return Connections{}, apierr.New(apierr.KindValidation, "actor is required")
	}

	q := domain.PageQuery{Limit: g.cfg.PageSize}
	var followers, follows domain.RawPage

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		page, err := g.fetch(egCtx, "followers", func(ctx context.Context) (domain.RawPage, error) {
			return g.source.Followers(ctx, actor, q)
		})
		if err != nil {
			return fmt.Errorf("get followers of %s: %w", actor, err)
		}
		followers = page
		return nil
	})
	eg.Go(func() error {
		page, err := g.fetch(egCtx, "follows", func(ctx context.Context) (domain.RawPage, error) {
			return g.source.Follows(ctx, actor, q)
		})
		if err != nil {
			return fmt.Errorf("get follows of %s: %w", actor, err)
		}
		follows = page
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Connections{}, err
	}

	return Connections{
		Actor:           actor,
		Followers:       authors(followers.Items),
		FollowersCursor: followers.Cursor,
		Follows:         authors(follows.Items),
		FollowsCursor:   follows.Cursor,
	}, nil
}

// Follow follows subjectDID and returns the URI of the follow record.
// Follow records are not idempotent, so the call is not retried.
func (g *Graph) Follow(ctx context.Context, subjectDID string) (string, error) {
	if subjectDID == "" {
		return "", apierr.New(apierr.KindValidation, "subject is required")
	}
	uri, err := withTimeout(ctx, g.cfg.RequestTimeout, func(ctx context.Context) (string, error) {
		return g.source.Follow(ctx, subjectDID)
	})
	if err != nil {
		return "", fmt.Errorf("follow %s: %w", subjectDID, err)
	}
	g.invalidateSuggestions(ctx)
	g.logger.Info("followed account", "subject", subjectDID, "follow_uri", uri)
	return uri, nil
}

// Unfollow deletes the follow record at followURI.
func (g *Graph) Unfollow(ctx context.Context, followURI string) error {
	if followURI == "" {
		return apierr.New(apierr.KindValidation, "follow uri is required")
	}
	_, err := withTimeout(ctx, g.cfg.RequestTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.source.Unfollow(ctx, followURI)
	})
	if err != nil {
		return fmt.Errorf("unfollow %s: %w", followURI, err)
	}
	g.invalidateSuggestions(ctx)
	g.logger.Info("unfollowed account", "follow_uri", followURI)
	return nil
}

func (g *Graph) invalidateSuggestions(ctx context.Context) {
	if g.cache == nil {
		return
	}
	if _, err := g.cache.Invalidate(ctx, feedcache.MatchKind(domain.KindSuggestedAccounts)); err != nil {
		g.logger.Warn("failed to invalidate suggested accounts", "error", err)
	}
}

func (g *Graph) fetch(ctx context.Context, list string, op func(context.Context) (domain.RawPage, error)) (domain.RawPage, error) {
	policy := policyFor(g.cfg, g.sleep, nil, func(err error, attempt int, delay time.Duration) {
		g.logger.Warn("retrying graph request", "list", list, "attempt", attempt+1, "delay", delay, "error", err)
	})
	return retry.Do(ctx, policy, func(ctx context.Context) (domain.RawPage, error) {
		return withTimeout(ctx, g.cfg.RequestTimeout, op)
	})
}

func authors(items []domain.RawItem) []domain.Author {
	out := make([]domain.Author, 0, len(items))
	for _, item := range items {
		out = append(out, normalize.Author(item))
	}
	return out
}
