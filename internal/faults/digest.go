package faults

import (
	"encoding/hex"
	"strconv"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// DefaultExcerptSize bounds the payload excerpt attached to rejection logs.
const DefaultExcerptSize = 64

// Digest returns the hex blake3 digest of a payload, truncated to 16 bytes.
// Rejection logs carry it so that a dropped message can be matched against
// broker traces without logging the whole payload.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Excerpt returns at most limit bytes of data rendered as a quoted string.
// Invalid UTF-8 is escaped, so the result is always safe to log.
func Excerpt(data []byte, limit int) string {
	if limit <= 0 {
		limit = DefaultExcerptSize
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}
	var s string
	if utf8.Valid(data) {
		s = strconv.Quote(string(data))
	} else {
		s = strconv.QuoteToASCII(string(data))
	}
	if truncated {
		s += "..."
	}
	return s
}
