package feedcache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackmichael/bluesky-reader/internal/domain"
)

// payload is the persisted body of an entry. Key and timestamp live in their
// own columns.
type payload struct {
	Posts  []domain.Post    `json:"posts"`
	Raw    []domain.RawItem `json:"raw,omitempty"`
	Cursor string           `json:"cursor"`
}

// EncodePayload serializes the posts, raw items and cursor of entry.
func EncodePayload(entry Entry) ([]byte, error) {
	b, err := json.Marshal(payload{Posts: entry.Posts, Raw: entry.Raw, Cursor: entry.Cursor})
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", entry.Key, err)
	}
	return b, nil
}

// DecodePayload rebuilds an entry from its key, storage time and the output
// of EncodePayload.
func DecodePayload(key string, storedAt time.Time, body []byte) (Entry, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return Entry{
		Key:       key,
		Timestamp: storedAt,
		Posts:     p.Posts,
		Raw:       p.Raw,
		Cursor:    p.Cursor,
	}, nil
}
