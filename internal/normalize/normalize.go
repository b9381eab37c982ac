// Package normalize maps raw feed payloads of any supported endpoint onto the
// canonical domain.Post.
package normalize

import (
	"strings"

	"github.com/blackmichael/bluesky-reader/internal/domain"
)

// Raw $type values. Hydrated views carry a "#view" suffix that is stripped
// before comparison.
const (
	typeImages          = "app.bsky.embed.images"
	typeExternal        = "app.bsky.embed.external"
	typeRecord          = "app.bsky.embed.record"
	typeRecordWithMedia = "app.bsky.embed.recordWithMedia"

	reasonRepost = "app.bsky.feed.defs#reasonRepost"

	featureMention = "app.bsky.richtext.facet#mention"
	featureLink    = "app.bsky.richtext.facet#link"
	featureTag     = "app.bsky.richtext.facet#tag"
)

// Post normalizes one raw feed item. It never panics; malformed input yields
// a post with default values.
func Post(raw any) (post domain.Post) {
	defer func() {
		if r := recover(); r != nil {
			post = domain.EmptyPost()
		}
	}()

	item, ok := raw.(map[string]any)
	if !ok {
		return domain.EmptyPost()
	}

	base := item
	post = domain.EmptyPost()
	if reason, ok := item["reason"].(map[string]any); ok && isRepostReason(reason) {
		if inner, ok := item["post"].(map[string]any); ok {
			base = inner
		}
		by := Author(reason["by"])
		post.IsRepost = true
		post.RepostedBy = &by
	}

	post.URI = stringAt(base, uriPaths)
	post.CID = stringAt(base, cidPaths)
	post.Author = Author(objectAt(base, authorPaths))
	post.Text = stringAt(base, textPaths)
	post.Facets = facets(listAt(base, facetPaths))
	post.IndexedAt = stringAt(base, indexedAtPaths)
	post.LikeCount = intAt(base, likeCountPaths)
	post.RepostCount = intAt(base, repostCountPaths)
	post.ReplyCount = intAt(base, replyCountPaths)
	post.Labels = labels(listAt(base, labelPaths))

	embed := objectAt(base, embedPaths)
	post.Embed = embed
	if quoted, ok := quotedRecord(embed); ok {
		q := quote(quoted)
		post.IsQuote = true
		post.QuotedPost = &q
	}

	m := extractMedia(embed)
	post.Images = m.images
	post.ExternalLink = m.external
	post.YouTubeID = m.youtubeID

	return post
}

// Posts normalizes every item, keeping order and length.
func Posts(raw []domain.RawItem) []domain.Post {
	out := make([]domain.Post, len(raw))
	for i, item := range raw {
		out[i] = Post(item)
	}
	return out
}

// Author normalizes a raw profile. DisplayName falls back to the handle.
func Author(raw any) domain.Author {
	m, ok := raw.(map[string]any)
	if !ok {
		return domain.Author{}
	}

	a := domain.Author{
		DID:            str(m, "did"),
		Handle:         str(m, "handle"),
		DisplayName:    strings.TrimSpace(str(m, "displayName")),
		Avatar:         str(m, "avatar"),
		Description:    str(m, "description"),
		FollowersCount: num(m, "followersCount"),
		FollowsCount:   num(m, "followsCount"),
		PostsCount:     num(m, "postsCount"),
	}
	if a.DisplayName == "" {
		a.DisplayName = a.Handle
	}
	return a
}

// quote builds the shallow form of a quoted record. Its own embed is mined for
// media but never for further quotes.
func quote(raw map[string]any) domain.QuotedPost {
	q := domain.QuotedPost{
		URI:         stringAt(raw, uriPaths),
		CID:         stringAt(raw, cidPaths),
		Author:      Author(objectAt(raw, authorPaths)),
		Text:        stringAt(raw, textPaths),
		Facets:      facets(listAt(raw, facetPaths)),
		IndexedAt:   stringAt(raw, indexedAtPaths),
		LikeCount:   intAt(raw, likeCountPaths),
		RepostCount: intAt(raw, repostCountPaths),
		ReplyCount:  intAt(raw, replyCountPaths),
		Labels:      labels(listAt(raw, labelPaths)),
	}

	embed := objectAt(raw, embedPaths)
	q.Embed = embed
	m := extractMedia(embed)
	q.Images = m.images
	q.ExternalLink = m.external
	q.YouTubeID = m.youtubeID
	return q
}

// quotedRecord returns the record quoted by a record or record-with-media
// embed.
func quotedRecord(embed map[string]any) (map[string]any, bool) {
	switch embedType(embed) {
	case typeRecord:
		return objectAt(embed, []accessor{at("record")}), true
	case typeRecordWithMedia:
		return objectAt(embed, []accessor{at("record", "record"), at("record")}), true
	default:
		return nil, false
	}
}

func isRepostReason(reason map[string]any) bool {
	t := str(reason, "$type")
	return t == reasonRepost || strings.HasSuffix(t, "#reasonRepost")
}

func embedType(embed map[string]any) string {
	if embed == nil {
		return ""
	}
	return strings.TrimSuffix(str(embed, "$type"), "#view")
}

// facets converts raw richtext facets, dropping those with an empty or
// inverted range or without a recognized feature.
func facets(raw []any) []domain.Facet {
	out := make([]domain.Facet, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(map[string]any)
		if !ok {
			continue
		}
		index, _ := f["index"].(map[string]any)
		start, okStart := asInt(index["byteStart"])
		end, okEnd := asInt(index["byteEnd"])
		if !okStart || !okEnd || start < 0 || start >= end {
			continue
		}

		feats := features(f["features"])
		if len(feats) == 0 {
			continue
		}
		out = append(out, domain.Facet{ByteStart: start, ByteEnd: end, Features: feats})
	}
	return out
}

func features(raw any) []domain.Feature {
	list, _ := raw.([]any)
	out := make([]domain.Feature, 0, len(list))
	for _, v := range list {
		f, ok := v.(map[string]any)
		if !ok {
			continue
		}
		switch str(f, "$type") {
		case featureMention:
			out = append(out, domain.Feature{Kind: domain.FeatureMention, DID: str(f, "did")})
		case featureLink:
			out = append(out, domain.Feature{Kind: domain.FeatureLink, URI: str(f, "uri")})
		case featureTag:
			out = append(out, domain.Feature{Kind: domain.FeatureHashtag, Tag: str(f, "tag")})
		}
	}
	return out
}

// labels accepts label objects ({"val": "..."}) or bare strings.
func labels(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch l := v.(type) {
		case string:
			out = append(out, l)
		case map[string]any:
			if val := str(l, "val"); val != "" {
				out = append(out, val)
			}
		}
	}
	return out
}
