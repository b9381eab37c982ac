package domain

import (
	"maps"
	"slices"
)

// Clone returns a deep copy of p. Posts held by the shared cache are handed
// out as clones so callers can never edit a stored entry in place.
func (p Post) Clone() Post {
	p.Facets = cloneFacets(p.Facets)
	p.Embed = CloneRaw(p.Embed)
	p.Images = cloneImages(p.Images)
	p.Labels = slices.Clone(p.Labels)
	if p.RepostedBy != nil {
		a := *p.RepostedBy
		p.RepostedBy = &a
	}
	if p.QuotedPost != nil {
		q := p.QuotedPost.Clone()
		p.QuotedPost = &q
	}
	if p.ExternalLink != nil {
		l := *p.ExternalLink
		p.ExternalLink = &l
	}
	return p
}

// Clone returns a deep copy of q.
func (q QuotedPost) Clone() QuotedPost {
	q.Facets = cloneFacets(q.Facets)
	q.Embed = CloneRaw(q.Embed)
	q.Images = cloneImages(q.Images)
	q.Labels = slices.Clone(q.Labels)
	if q.ExternalLink != nil {
		l := *q.ExternalLink
		q.ExternalLink = &l
	}
	return q
}

// ClonePosts deep-copies every post in posts. A nil slice stays nil.
func ClonePosts(posts []Post) []Post {
	if posts == nil {
		return nil
	}
	out := make([]Post, len(posts))
	for i, p := range posts {
		out[i] = p.Clone()
	}
	return out
}

// CloneRawItems deep-copies decoded JSON items.
func CloneRawItems(items []RawItem) []RawItem {
	if items == nil {
		return nil
	}
	out := make([]RawItem, len(items))
	for i, item := range items {
		out[i] = CloneRaw(item)
	}
	return out
}

// CloneRaw deep-copies a decoded JSON object.
func CloneRaw(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return CloneRaw(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

func cloneFacets(facets []Facet) []Facet {
	if facets == nil {
		return nil
	}
	out := make([]Facet, len(facets))
	for i, f := range facets {
		f.Features = slices.Clone(f.Features)
		out[i] = f
	}
	return out
}

func cloneImages(images []Image) []Image {
	if images == nil {
		return nil
	}
	out := make([]Image, len(images))
	for i, img := range images {
		if img.AspectRatio != nil {
			r := *img.AspectRatio
			img.AspectRatio = &r
		}
		out[i] = img
	}
	return out
}
