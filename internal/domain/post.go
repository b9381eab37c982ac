package domain

// Author is the canonical view of an account attached to a post.
type Author struct {
	// DID is the stable identity of the account (e.g. did:plc:abc123).
	DID string `json:"did"`

	// Handle is the human-readable, mutable handle (e.g. alice.bsky.social).
	Handle string `json:"handle"`

	// DisplayName falls back to Handle when the account has none.
	DisplayName string `json:"displayName"`

	// Avatar is the avatar image URL, empty when absent.
	Avatar string `json:"avatar,omitempty"`

	Description    string `json:"description"`
	FollowersCount int    `json:"followersCount"`
	FollowsCount   int    `json:"followsCount"`
	PostsCount     int    `json:"postsCount"`
}

// FeatureKind classifies a rich text annotation.
type FeatureKind string

const (
	FeatureMention FeatureKind = "mention"
	FeatureLink    FeatureKind = "link"
	FeatureHashtag FeatureKind = "hashtag"
)

// Feature is one classification carried by a facet. Exactly one of DID, URI
// or Tag is set, according to Kind.
type Feature struct {
	Kind FeatureKind `json:"kind"`
	DID  string      `json:"did,omitempty"`
	URI  string      `json:"uri,omitempty"`
	Tag  string      `json:"tag,omitempty"`
}

// Payload returns the kind-specific value of the feature.
func (f Feature) Payload() string {
	switch f.Kind {
	case FeatureMention:
		return f.DID
	case FeatureLink:
		return f.URI
	case FeatureHashtag:
		return f.Tag
	default:
		return ""
	}
}

// Facet annotates the half-open byte range [ByteStart, ByteEnd) of a post's
// UTF-8 encoded text.
type Facet struct {
	ByteStart int       `json:"byteStart"`
	ByteEnd   int       `json:"byteEnd"`
	Features  []Feature `json:"features"`
}

// Kind returns the kind of the facet's first feature.
func (f Facet) Kind() FeatureKind {
	if len(f.Features) == 0 {
		return ""
	}
	return f.Features[0].Kind
}

// Payload returns the payload of the facet's first feature.
func (f Facet) Payload() string {
	if len(f.Features) == 0 {
		return ""
	}
	return f.Features[0].Payload()
}

// AspectRatio is the intrinsic size of an image.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Image is a displayable image attached to a post.
type Image struct {
	Thumb       string       `json:"thumb"`
	Fullsize    string       `json:"fullsize"`
	Alt         string       `json:"alt"`
	AspectRatio *AspectRatio `json:"aspectRatio,omitempty"`
}

// ExternalLink is a link card attached to a post.
type ExternalLink struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumb       string `json:"thumb,omitempty"`

	// Domain is the link's host without a leading "www.".
	Domain string `json:"domain"`
}

// Post is the canonical representation of a feed item, independent of the
// endpoint it was fetched from. It is the only shape rendering code may rely
// on.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string `json:"uri"`

	// CID is the content identifier of the record.
	CID string `json:"cid"`

	Author Author  `json:"author"`
	Text   string  `json:"text"`
	Facets []Facet `json:"facets"`

	// Embed is the raw embed object, kept for features not modeled here.
	Embed map[string]any `json:"embed,omitempty"`

	// IndexedAt is the timestamp string reported by the service.
	IndexedAt string `json:"indexedAt"`

	LikeCount   int `json:"likeCount"`
	RepostCount int `json:"repostCount"`
	ReplyCount  int `json:"replyCount"`

	IsRepost   bool    `json:"isRepost"`
	RepostedBy *Author `json:"repostedBy"`

	IsQuote    bool        `json:"isQuote"`
	QuotedPost *QuotedPost `json:"quotedPost"`

	Images       []Image       `json:"images"`
	ExternalLink *ExternalLink `json:"externalLink"`
	YouTubeID    string        `json:"youtubeId,omitempty"`
	Labels       []string      `json:"labels"`
}

// QuotedPost is the shallow form of a post embedded inside another post. It
// has no quote or repost fields of its own, so quoting stops at one level.
type QuotedPost struct {
	URI          string         `json:"uri"`
	CID          string         `json:"cid"`
	Author       Author         `json:"author"`
	Text         string         `json:"text"`
	Facets       []Facet        `json:"facets"`
	Embed        map[string]any `json:"embed,omitempty"`
	IndexedAt    string         `json:"indexedAt"`
	LikeCount    int            `json:"likeCount"`
	RepostCount  int            `json:"repostCount"`
	ReplyCount   int            `json:"replyCount"`
	Images       []Image        `json:"images"`
	ExternalLink *ExternalLink  `json:"externalLink"`
	YouTubeID    string         `json:"youtubeId,omitempty"`
	Labels       []string       `json:"labels"`
}

// EmptyPost returns a Post with every field at its default value.
func EmptyPost() Post {
	return Post{
		Facets: []Facet{},
		Images: []Image{},
		Labels: []string{},
	}
}

// Identity returns the key used to deduplicate posts: the URI, else the CID,
// else the author DID. Posts with none of these return "".
func (p Post) Identity() string {
	switch {
	case p.URI != "":
		return p.URI
	case p.CID != "":
		return p.CID
	case p.Author.DID != "":
		return "actor:" + p.Author.DID
	default:
		return ""
	}
}
