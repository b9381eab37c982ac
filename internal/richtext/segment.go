package richtext

import (
	"regexp"
	"sort"

	"github.com/blackmichael/bluesky-reader/internal/domain"
)

// SegmentKind classifies a segment.
type SegmentKind string

const (
	KindText     SegmentKind = "text"
	KindMention  SegmentKind = "mention"
	KindLink     SegmentKind = "link"
	KindHashtag  SegmentKind = "hashtag"
	KindAutolink SegmentKind = "autolink"
)

// Segment is a renderable slice of post text. Start and End are UTF-16 code
// unit offsets, half-open.
type Segment struct {
	Kind  SegmentKind `json:"kind"`
	Text  string      `json:"text"`
	Start int         `json:"start"`
	End   int         `json:"end"`

	// DID is set on mentions.
	DID string `json:"did,omitempty"`

	// URI is set on links and autolinks.
	URI string `json:"uri,omitempty"`

	// Tag is set on hashtags.
	Tag string `json:"tag,omitempty"`
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']*[^\s<>"'.,;:!?)\]}]`)

// Segmenter splits text into segments. The zero value does not linkify bare
// URLs; use NewSegmenter for the default behaviour.
type Segmenter struct {
	// LinkifyURLs splits plain text segments around bare URLs.
	LinkifyURLs bool
}

// NewSegmenter returns a Segmenter with URL linkification enabled.
func NewSegmenter() *Segmenter {
	return &Segmenter{LinkifyURLs: true}
}

// Split segments text with the default Segmenter.
func Split(text string, facets []domain.Facet) []Segment {
	return NewSegmenter().Segment(text, facets)
}

// candidate is a facet whose byte range has been mapped to code units.
type candidate struct {
	start, end int
	features   []domain.Feature
}

// Segment returns the ordered, gapless segments of text. Facets with ranges
// that cannot be mapped are dropped. When facets overlap, the one that sorts
// first by start offset keeps its annotation and the other reverts to plain
// text. Segment never panics; on internal failure it returns the whole text
// as a single plain segment.
func (s *Segmenter) Segment(text string, facets []domain.Facet) (segments []Segment) {
	if text == "" {
		return []Segment{}
	}

	conv := NewConverter(text)
	whole := []Segment{{Kind: KindText, Text: text, Start: 0, End: conv.Len()}}
	if len(facets) == 0 {
		return whole
	}

	defer func() {
		if r := recover(); r != nil {
			segments = whole
		}
	}()

	candidates := make([]candidate, 0, len(facets))
	for _, f := range facets {
		if c, ok := toCandidate(conv, f); ok {
			candidates = append(candidates, c)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].start < candidates[j].start
	})

	accepted := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !overlapsAny(c, accepted) {
			accepted = append(accepted, c)
		}
	}

	segments = make([]Segment, 0, 2*len(accepted)+1)
	cursor := 0
	for _, c := range accepted {
		if c.start > cursor {
			segments = append(segments, plain(text, conv, cursor, c.start))
		}
		body := substring(text, conv, c.start, c.end)
		for _, f := range c.features {
			segments = append(segments, annotated(f, body, c.start, c.end))
		}
		cursor = c.end
	}
	if cursor < conv.Len() {
		segments = append(segments, plain(text, conv, cursor, conv.Len()))
	}

	if s.LinkifyURLs {
		segments = linkify(text, conv, segments)
	}
	return segments
}

func toCandidate(conv *Converter, f domain.Facet) (candidate, bool) {
	if f.ByteStart >= f.ByteEnd {
		return candidate{}, false
	}
	start, err := conv.UTF16OffsetOf(f.ByteStart)
	if err != nil {
		return candidate{}, false
	}
	end, err := conv.UTF16OffsetOf(f.ByteEnd)
	if err != nil || start >= end {
		return candidate{}, false
	}

	features := make([]domain.Feature, 0, len(f.Features))
	for _, feat := range f.Features {
		switch feat.Kind {
		case domain.FeatureMention, domain.FeatureLink, domain.FeatureHashtag:
			features = append(features, feat)
		}
	}
	if len(features) == 0 {
		return candidate{}, false
	}
	return candidate{start: start, end: end, features: features}, true
}

// overlapsAny reports whether c intersects any accepted range: c starts
// inside one, ends inside one, contains one, or is contained by one.
func overlapsAny(c candidate, accepted []candidate) bool {
	for _, a := range accepted {
		startsInside := c.start >= a.start && c.start < a.end
		endsInside := c.end > a.start && c.end <= a.end
		contains := c.start <= a.start && c.end >= a.end
		if startsInside || endsInside || contains {
			return true
		}
	}
	return false
}

func annotated(f domain.Feature, body string, start, end int) Segment {
	seg := Segment{Text: body, Start: start, End: end}
	switch f.Kind {
	case domain.FeatureMention:
		seg.Kind = KindMention
		seg.DID = f.DID
	case domain.FeatureLink:
		seg.Kind = KindLink
		seg.URI = f.URI
	case domain.FeatureHashtag:
		seg.Kind = KindHashtag
		seg.Tag = f.Tag
	}
	return seg
}

func plain(text string, conv *Converter, start, end int) Segment {
	return Segment{Kind: KindText, Text: substring(text, conv, start, end), Start: start, End: end}
}

// substring slices text by UTF-16 offsets already known to be in range.
func substring(text string, conv *Converter, start, end int) string {
	b0, err := conv.ByteOffsetOf(start)
	if err != nil {
		panic(err)
	}
	b1, err := conv.ByteOffsetOf(end)
	if err != nil {
		panic(err)
	}
	return text[b0:b1]
}

// linkify splits plain segments around bare URLs. Other segments pass through.
func linkify(text string, conv *Converter, segments []Segment) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind != KindText {
			out = append(out, seg)
			continue
		}
		matches := urlPattern.FindAllStringIndex(seg.Text, -1)
		if len(matches) == 0 {
			out = append(out, seg)
			continue
		}

		base, err := conv.ByteOffsetOf(seg.Start)
		if err != nil {
			panic(err)
		}
		cursor := seg.Start
		for _, m := range matches {
			start, err := conv.UTF16OffsetOf(base + m[0])
			if err != nil {
				panic(err)
			}
			end, err := conv.UTF16OffsetOf(base + m[1])
			if err != nil {
				panic(err)
			}
			if start > cursor {
				out = append(out, plain(text, conv, cursor, start))
			}
			out = append(out, Segment{
				Kind:  KindAutolink,
				Text:  seg.Text[m[0]:m[1]],
				Start: start,
				End:   end,
				URI:   seg.Text[m[0]:m[1]],
			})
			cursor = end
		}
		if cursor < seg.End {
			out = append(out, plain(text, conv, cursor, seg.End))
		}
	}
	return out
}
