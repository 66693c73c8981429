package article

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrBadCursor is returned for a cursor that was not produced by EncodeCursor.
var ErrBadCursor = errors.New("invalid cursor")

// Cursor is the keyset position of the last record on a page. Listings are
// ordered by (ProcessedAt, ID) descending.
type Cursor struct {
	ProcessedAt int64
	ID          string
}

// After reports whether rec sorts strictly after c in listing order.
func (c Cursor) After(rec SummaryRecord) bool {
	if rec.ProcessedAt != c.ProcessedAt {
		return rec.ProcessedAt < c.ProcessedAt
	}
	return rec.ID < c.ID
}

// EncodeCursor returns the opaque token for the position of rec.
func EncodeCursor(rec SummaryRecord) string {
	raw := strconv.FormatInt(rec.ProcessedAt, 10) + ":" + rec.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token from EncodeCursor. The empty token is the zero
// Cursor with ok=false.
func DecodeCursor(token string) (c Cursor, ok bool, err error) {
	if token == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false, ErrBadCursor
	}
	ts, id, found := strings.Cut(string(raw), ":")
	if !found || id == "" {
		return Cursor{}, false, ErrBadCursor
	}
	processedAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, false, ErrBadCursor
	}
	return Cursor{ProcessedAt: processedAt, ID: id}, true, nil
}

// Listing page size bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalized clamps Limit into [1, MaxListLimit] and drops empty tags.
func (q ListQuery) Normalized() ListQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	tags := make([]string, 0, len(q.Tags))
	for _, t := range q.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	q.Tags = tags
	return q
}
