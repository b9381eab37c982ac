// Package richtext turns post text and its byte-range facets into ordered,
// renderable segments indexed in UTF-16 code units.
package richtext

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

// ErrOutOfRange is returned when an offset lies outside the text.
var ErrOutOfRange = errors.New("offset out of range")

// Converter maps offsets between the UTF-8 bytes of a string and its UTF-16
// code units.
type Converter struct {
	// bytesAt[i] is the number of UTF-8 bytes preceding code unit i.
	// It has one entry per code unit plus a final entry for the end.
	bytesAt []int
}

// NewConverter builds the offset table for text in one pass.
func NewConverter(text string) *Converter {
	table := make([]int, 0, len(text)+1)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		table = append(table, i)
		if r >= 0x10000 && size == 4 {
			// the low surrogate sits inside the same code point
			table = append(table, i)
		}
		i += size
	}
	table = append(table, len(text))
	return &Converter{bytesAt: table}
}

// Len returns the length of the text in UTF-16 code units.
func (c *Converter) Len() int {
	return len(c.bytesAt) - 1
}

// ByteLen returns the length of the text in bytes.
func (c *Converter) ByteLen() int {
	return c.bytesAt[len(c.bytesAt)-1]
}

// ByteOffsetOf returns the byte offset of UTF-16 offset i. It fails when i is
// outside [0, Len()].
func (c *Converter) ByteOffsetOf(i int) (int, error) {
	if i < 0 || i > c.Len() {
		return 0, fmt.Errorf("utf16 offset %d of %d: %w", i, c.Len(), ErrOutOfRange)
	}
	return c.bytesAt[i], nil
}

// UTF16OffsetOf returns the UTF-16 offset of byte offset b. A byte offset in
// the middle of a code point snaps back to the start of that code point. It
// fails only when b is outside [0, ByteLen()].
func (c *Converter) UTF16OffsetOf(b int) (int, error) {
	if b < 0 || b > c.ByteLen() {
		return 0, fmt.Errorf("byte offset %d of %d: %w", b, c.ByteLen(), ErrOutOfRange)
	}
	// last code unit starting at or before b
	i := sort.Search(len(c.bytesAt), func(i int) bool { return c.bytesAt[i] > b }) - 1
	for i > 0 && c.bytesAt[i-1] == c.bytesAt[i] {
		i--
	}
	return i, nil
}

// ByteOffsetOf is a convenience wrapper around Converter.ByteOffsetOf.
func ByteOffsetOf(text string, utf16Index int) (int, error) {
	return NewConverter(text).ByteOffsetOf(utf16Index)
}

// UTF16OffsetOf is a convenience wrapper around Converter.UTF16OffsetOf.
func UTF16OffsetOf(text string, byteIndex int) (int, error) {
	return NewConverter(text).UTF16OffsetOf(byteIndex)
}
