package domain

import (
	"encoding/json"
	"fmt"
)

// FeedKind selects which remote listing a feed session reads from.
type FeedKind string

const (
	KindTimeline          FeedKind = "timeline"
	KindAuthorFeed        FeedKind = "author-feed"
	KindHashtag           FeedKind = "hashtag-search"
	KindLikes             FeedKind = "likes"
	KindSuggestedAccounts FeedKind = "suggested-accounts"
)

// FeedKinds lists every supported feed kind.
var FeedKinds = []FeedKind{
	KindTimeline,
	KindAuthorFeed,
	KindHashtag,
	KindLikes,
	KindSuggestedAccounts,
}

// Valid reports whether k is a known feed kind.
func (k FeedKind) Valid() bool {
	for _, known := range FeedKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Parameter names understood by the feed kinds.
const (
	ParamActor = "actor"
	ParamTag   = "tag"
	ParamLimit = "limit"
)

// Params are the caller-supplied request parameters of a feed session. The
// pagination cursor is never part of Params.
type Params map[string]string

// Canonical returns a copy of p without empty values.
func (p Params) Canonical() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// CacheKey returns "<kind>:<json params>" with params canonicalized.
// encoding/json writes map keys in sorted order, so equal parameter sets
// always produce the same key.
func CacheKey(kind FeedKind, params Params) string {
	b, err := json.Marshal(params.Canonical())
	if err != nil {
		// map[string]string cannot fail to marshal
		return fmt.Sprintf("%s:%v", kind, params.Canonical())
	}
	return string(kind) + ":" + string(b)
}

// PageQuery carries the pagination arguments of a single network call.
type PageQuery struct {
	Limit  int
	Cursor string
}

// RawItem is one undecoded feed item as returned by the remote service. Its
// shape depends on the endpoint it came from.
type RawItem = map[string]any

// RawPage is one page of raw items plus the cursor of the next page. An empty
// Cursor means there are no more pages.
type RawPage struct {
	Items  []RawItem
	Cursor string
}
