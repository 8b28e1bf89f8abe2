// Package search answers full-text queries over message history with
// pagination that stays stable while new messages arrive.
package search

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	snippetRunes    = 160
)

// Query is one page request. Zero From/To leave the date range open.
type Query struct {
	Text        string
	UserID      uint
	Participant uint
	ThreadID    uint
	From        time.Time
	To          time.Time
	PageSize    int
	Cursor      string
}

type Hit struct {
	MessageID uint      `json:"message_id"`
	ThreadID  uint      `json:"thread_id"`
	SenderID  uint      `json:"sender_id"`
	Seq       uint64    `json:"seq"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

type Page struct {
	Results    []Hit  `json:"results"`
	TotalCount int    `json:"total_count"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) (Page, error)
}

func (q Query) pageSize() int {
	switch {
	case q.PageSize <= 0:
		return DefaultPageSize
	case q.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return q.PageSize
}

func (q Query) validate() error {
	if q.UserID == 0 {
		return apperr.Validation("missing_user", "search requires a user")
	}
	if len(Tokenize(q.Text)) == 0 {
		return apperr.Validation("empty_query", "search text is empty")
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return apperr.Validation("invalid_range", "date range ends before it starts")
	}
	return nil
}

func (q Query) inRange(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

// cursor pins later pages to the result set visible when the first page was
// served and resumes strictly after the last hit returned, so rows that
// appear, move or vanish between fetches never shift the rest of the pages.
type cursor struct {
	Snapshot uint64
	// Last hit's sort key: score desc, created_at desc, id desc.
	Score     float64
	CreatedAt int64 // unix nanoseconds
	ID        uint
	started   bool
}

func (c cursor) encode() string {
	raw := strings.Join([]string{
		strconv.FormatUint(c.Snapshot, 10),
		strconv.FormatFloat(c.Score, 'g', -1, 64),
		strconv.FormatInt(c.CreatedAt, 10),
		strconv.FormatUint(uint64(c.ID), 10),
	}, ":")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	bad := apperr.Validation("invalid_cursor", "malformed cursor")
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, bad
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return cursor{}, bad
	}
	c := cursor{started: true}
	if c.Snapshot, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return cursor{}, bad
	}
	if c.Score, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return cursor{}, bad
	}
	if c.CreatedAt, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return cursor{}, bad
	}
	id, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return cursor{}, bad
	}
	c.ID = uint(id)
	return c, nil
}

// after reports whether h sorts strictly after the cursor position.
func (c cursor) after(h Hit) bool {
	if !c.started {
		return true
	}
	if h.Score != c.Score {
		return h.Score < c.Score
	}
	if at := h.CreatedAt.UnixNano(); at != c.CreatedAt {
		return at < c.CreatedAt
	}
	return h.MessageID < c.ID
}

// resume returns the cursor for the page following last.
func (c cursor) resume(last Hit) string {
	return cursor{
		Snapshot:  c.Snapshot,
		Score:     last.Score,
		CreatedAt: last.CreatedAt.UnixNano(),
		ID:        last.MessageID,
	}.encode()
}

// ordered reports whether a sorts before b in result order.
func ordered(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.MessageID > b.MessageID
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetRunes {
		return content
	}
	return fmt.Sprintf("%s…", string(r[:snippetRunes]))
}
