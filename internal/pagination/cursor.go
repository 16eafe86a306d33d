// Package pagination provides cursor-based pagination over id-ordered
// results such as listings and events.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is used when the request names no limit.
	DefaultLimit = 50
	// MaxLimit caps any requested limit.
	MaxLimit = 500

	prefix = "id:"
)

// ErrInvalidCursor is returned for cursors not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor that resumes at id.
func Encode(id uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatUint(id, 10)))
}

// Decode parses an opaque cursor string. Empty input is the start, id 0.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	v, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// Limit parses a limit query value. Missing or invalid values give
// DefaultLimit; values above MaxLimit are clamped.
func Limit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes id-ordered items (fetched with limit+1), the requested
// limit, and a function returning an item's id. It returns the trimmed
// items, the cursor of the next page, and whether one exists.
func ComputePage[T any](items []T, limit int, id func(T) uint64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	next := id(items[limit])
	return items[:limit], Encode(next), true
}
