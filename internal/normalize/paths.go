package normalize

import (
	"encoding/json"
	"math"
	"strconv"
)

// accessor looks up one candidate location of a field in a raw payload.
type accessor func(raw map[string]any) (any, bool)

// at returns an accessor following path through nested objects. Numeric
// segments index into arrays.
func at(path ...string) accessor {
	return func(raw map[string]any) (any, bool) {
		var cur any = raw
		for _, key := range path {
			switch node := cur.(type) {
			case map[string]any:
				v, ok := node[key]
				if !ok {
					return nil, false
				}
				cur = v
			case []any:
				i, err := strconv.Atoi(key)
				if err != nil || i < 0 || i >= len(node) {
					return nil, false
				}
				cur = node[i]
			default:
				return nil, false
			}
		}
		return cur, cur != nil
	}
}

// Candidate locations per logical field, in priority order. The payload shape
// differs between post views, feed items, records and quoted records.
var (
	uriPaths = []accessor{at("uri"), at("post", "uri")}
	cidPaths = []accessor{at("cid"), at("post", "cid")}

	textPaths = []accessor{
		at("text"),
		at("record", "text"),
		at("value", "text"),
		at("post", "record", "text"),
		at("post", "text"),
	}

	facetPaths = []accessor{
		at("facets"),
		at("record", "facets"),
		at("value", "facets"),
		at("post", "record", "facets"),
		at("post", "facets"),
	}

	// hydrated views come before record embeds, which only hold blob refs
	embedPaths = []accessor{
		at("embed"),
		at("post", "embed"),
		at("embeds", "0"),
		at("record", "embed"),
		at("value", "embed"),
		at("post", "record", "embed"),
	}

	indexedAtPaths = []accessor{
		at("indexedAt"),
		at("post", "indexedAt"),
		at("record", "createdAt"),
		at("value", "createdAt"),
		at("post", "record", "createdAt"),
	}

	authorPaths = []accessor{at("author"), at("post", "author"), at("creator")}
	labelPaths  = []accessor{at("labels"), at("post", "labels")}

	likeCountPaths   = []accessor{at("likeCount"), at("post", "likeCount")}
	repostCountPaths = []accessor{at("repostCount"), at("post", "repostCount")}
	replyCountPaths  = []accessor{at("replyCount"), at("post", "replyCount")}
)

// lookup returns the first value found at paths for which convert succeeds.
func lookup[T any](raw map[string]any, paths []accessor, convert func(any) (T, bool)) (T, bool) {
	for _, path := range paths {
		v, ok := path(raw)
		if !ok {
			continue
		}
		if out, ok := convert(v); ok {
			return out, true
		}
	}
	var zero T
	return zero, false
}

func stringAt(raw map[string]any, paths []accessor) string {
	s, _ := lookup(raw, paths, asString)
	return s
}

func intAt(raw map[string]any, paths []accessor) int {
	n, _ := lookup(raw, paths, asInt)
	return n
}

func objectAt(raw map[string]any, paths []accessor) map[string]any {
	m, _ := lookup(raw, paths, asObject)
	return m
}

func listAt(raw map[string]any, paths []accessor) []any {
	l, _ := lookup(raw, paths, asList)
	return l
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// str reads a string field of a single object.
func str(m map[string]any, key string) string {
	s, _ := asString(m[key])
	return s
}

// num reads an integer field of a single object.
func num(m map[string]any, key string) int {
	n, _ := asInt(m[key])
	return n
}
