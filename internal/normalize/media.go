package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/blackmichael/bluesky-reader/internal/domain"
)

var youtubePattern = regexp.MustCompile(`(?:youtube\.com/(?:watch\?(?:[^#\s]*&)?v=|shorts/|embed/|live/)|youtu\.be/)([A-Za-z0-9_-]{11})`)

type media struct {
	images    []domain.Image
	external  *domain.ExternalLink
	youtubeID string
}

// extractMedia reads images and link cards from an embed. It understands image
// embeds, the media half of record-with-media embeds, quoted records that
// carry images, and external link embeds, whose thumbnail becomes a single
// image. A YouTube link is reported as a video instead of a link card.
func extractMedia(embed map[string]any) media {
	m := media{images: []domain.Image{}}

	switch embedType(embed) {
	case typeImages:
		m.images = images(embed)
	case typeRecordWithMedia:
		inner := objectAt(embed, []accessor{at("media")})
		switch embedType(inner) {
		case typeImages:
			m.images = images(inner)
		case typeExternal:
			m = external(inner)
		}
	case typeRecord:
		nested := objectAt(embed, []accessor{at("record", "embeds", "0"), at("record", "value", "embed")})
		if embedType(nested) == typeImages {
			m.images = images(nested)
		}
	case typeExternal:
		m = external(embed)
	}
	return m
}

func images(embed map[string]any) []domain.Image {
	list := listAt(embed, []accessor{at("images")})
	out := make([]domain.Image, 0, len(list))
	for _, v := range list {
		raw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		img := domain.Image{
			Thumb:    str(raw, "thumb"),
			Fullsize: str(raw, "fullsize"),
			Alt:      str(raw, "alt"),
		}
		if img.Fullsize == "" {
			img.Fullsize = img.Thumb
		}
		if ratio, ok := raw["aspectRatio"].(map[string]any); ok {
			w, h := num(ratio, "width"), num(ratio, "height")
			if w > 0 && h > 0 {
				img.AspectRatio = &domain.AspectRatio{Width: w, Height: h}
			}
		}
		out = append(out, img)
	}
	return out
}

func external(embed map[string]any) media {
	m := media{images: []domain.Image{}}

	ext := objectAt(embed, []accessor{at("external")})
	if ext == nil {
		return m
	}

	link := domain.ExternalLink{
		URI:         str(ext, "uri"),
		Title:       str(ext, "title"),
		Description: str(ext, "description"),
		Thumb:       str(ext, "thumb"),
		Domain:      domainOf(str(ext, "uri")),
	}
	if link.Thumb != "" {
		m.images = append(m.images, domain.Image{Thumb: link.Thumb, Fullsize: link.Thumb, Alt: link.Title})
	}

	if id := YouTubeID(link.URI); id != "" {
		m.youtubeID = id
		return m
	}
	if link.URI != "" {
		m.external = &link
	}
	return m
}

// YouTubeID extracts the video id from watch, short, embed and youtu.be URLs.
func YouTubeID(uri string) string {
	match := youtubePattern.FindStringSubmatch(uri)
	if match == nil {
		return ""
	}
	return match[1]
}

func domainOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
