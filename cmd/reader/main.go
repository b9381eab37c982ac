package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-reader/internal/bluesky"
	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feed"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
	"github.com/blackmichael/bluesky-reader/internal/richtext"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		handle   string
		password string
		service  string
		pds      string
		kind     string
		actor    string
		tag      string
		limit    int
		pages    int
		noLinks  bool
	)

	flag.StringVar(&handle, "handle", envOrDefault("BLUESKY_HANDLE", ""), "BlueSky handle (e.g. user.bsky.social)")
	flag.StringVar(&password, "password", envOrDefault("BLUESKY_APP_PASSWORD", ""), "BlueSky app password")
	flag.StringVar(&service, "service", envOrDefault("BLUESKY_SERVICE", "https://public.api.bsky.app"), "AppView URL for unauthenticated reads")
	flag.StringVar(&pds, "pds", envOrDefault("BLUESKY_PDS", "https://bsky.social"), "PDS service URL")
	flag.StringVar(&kind, "kind", string(domain.KindAuthorFeed), "Feed kind: timeline, author-feed, hashtag-search, likes or suggested-accounts")
	flag.StringVar(&actor, "actor", "", "Handle or DID for author-feed and likes")
	flag.StringVar(&tag, "tag", "", "Hashtag for hashtag-search, with or without #")
	flag.IntVar(&limit, "limit", 0, "Page size, 1 to 100 (default 30)")
	flag.IntVar(&pages, "pages", 1, "Number of pages to load")
	flag.BoolVar(&noLinks, "no-autolink", false, "Do not mark bare URLs in post text")
	flag.Parse()

	if pages < 1 {
		return fmt.Errorf("--pages must be at least 1")
	}

	ctx := context.Background()
	client := bluesky.NewClient(service, bluesky.WithPDS(pds))
	if handle != "" && password != "" {
		if err := client.Login(ctx, handle, password); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Authenticated as %s\n", client.DID())
	}

	params := domain.Params{domain.ParamActor: actor, domain.ParamTag: tag}
	if limit > 0 {
		params[domain.ParamLimit] = fmt.Sprint(limit)
	}

	cache := feedcache.New(feedcache.NewMemoryStore(), time.Minute)
	ctrl := feed.NewController(client, cache, feed.DefaultConfig())
	segmenter := &richtext.Segmenter{LinkifyURLs: !noLinks}

	snap, err := ctrl.Load(ctx, domain.FeedKind(kind), params)
	if err != nil {
		return err
	}
	printed := printPosts(os.Stdout, segmenter, snap.Posts)

	for i := 1; i < pages; i++ {
		snap, err = ctrl.LoadMore(ctx)
		if errors.Is(err, feed.ErrNoCursor) {
			break
		}
		if err != nil {
			return err
		}
		printed += printPosts(os.Stdout, segmenter, snap.Posts[printed:])
	}

	fmt.Fprintf(os.Stderr, "%d posts, more available: %t\n", printed, snap.HasMore)
	return nil
}

// printPosts writes one block per post and returns how many it wrote.
func printPosts(w io.Writer, s *richtext.Segmenter, posts []domain.Post) int {
	for _, p := range posts {
		name := p.Author.Handle
		if name == "" {
			name = p.Author.DID
		}
		header := "@" + name
		if p.IsRepost && p.RepostedBy != nil {
			header += " (reposted by @" + p.RepostedBy.Handle + ")"
		}
		fmt.Fprintf(w, "%s  %s\n", header, p.IndexedAt)
		fmt.Fprintln(w, markup(s.Segment(p.Text, p.Facets)))
		if q := p.QuotedPost; q != nil {
			fmt.Fprintf(w, "  > @%s: %s\n", q.Author.Handle, markup(s.Segment(q.Text, q.Facets)))
		}
		fmt.Fprintf(w, "  %d replies  %d reposts  %d likes\n\n", p.ReplyCount, p.RepostCount, p.LikeCount)
	}
	return len(posts)
}

// markup renders segments as plain text with markdown-style annotations.
func markup(segments []richtext.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch seg.Kind {
		case richtext.KindMention:
			fmt.Fprintf(&b, "[%s](%s)", seg.Text, seg.DID)
		case richtext.KindLink, richtext.KindAutolink:
			if seg.Text == seg.URI {
				fmt.Fprintf(&b, "<%s>", seg.URI)
			} else {
				fmt.Fprintf(&b, "[%s](%s)", seg.Text, seg.URI)
			}
		case richtext.KindHashtag:
			fmt.Fprintf(&b, "[%s](tag:%s)", seg.Text, seg.Tag)
		default:
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
