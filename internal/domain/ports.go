package domain

import "context"

// FeedSource is the remote service read API used by feed sessions. Each call
// returns one page of raw items and the cursor of the next page.
type FeedSource interface {
	// Timeline returns the authenticated account's home timeline.
	Timeline(ctx context.Context, q PageQuery) (RawPage, error)

	// AuthorFeed returns posts and reposts made by actor.
	AuthorFeed(ctx context.Context, actor string, q PageQuery) (RawPage, error)

	// SearchPosts returns posts matching a full-text query such as "#golang".
	SearchPosts(ctx context.Context, query string, q PageQuery) (RawPage, error)

	// Likes returns posts liked by actor.
	Likes(ctx context.Context, actor string, q PageQuery) (RawPage, error)

	// SuggestedAccounts returns raw actor profiles, not feed items.
	SuggestedAccounts(ctx context.Context, q PageQuery) (RawPage, error)
}

// GraphSource reads and mutates the social graph of an account.
type GraphSource interface {
	// Followers returns raw profiles of accounts following actor.
	Followers(ctx context.Context, actor string, q PageQuery) (RawPage, error)

	// Follows returns raw profiles of accounts actor follows.
	Follows(ctx context.Context, actor string, q PageQuery) (RawPage, error)

	// Follow creates a follow record for subject and returns its AT-URI.
	Follow(ctx context.Context, subjectDID string) (string, error)

	// Unfollow deletes the follow record at followURI.
	Unfollow(ctx context.Context, followURI string) error
}
