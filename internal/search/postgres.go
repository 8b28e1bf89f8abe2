package search

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

const tsConfig = "simple"

// PostgresSearcher runs queries against the messages table using the GIN
// full-text index created by repository.Migrate. The snapshot is the highest
// message id at the first page; later pages seek past the previous page's
// last (score, created_at, id) so rows committed out of id order cannot
// repeat or skip a result.
type PostgresSearcher struct {
	db *gorm.DB
}

func NewPostgresSearcher(db *gorm.DB) *PostgresSearcher {
	return &PostgresSearcher{db: db}
}

func (s *PostgresSearcher) Search(ctx context.Context, q Query) (Page, error) {
	if err := q.validate(); err != nil {
		return Page{}, err
	}
	size := q.pageSize()
	db := s.db.WithContext(ctx)

	var cur cursor
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		cur = c
	} else {
		var maxID uint64
		if err := db.Model(&models.Message{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
			return Page{}, apperr.Internal("search_snapshot", err)
		}
		cur.Snapshot = maxID
	}

	text := strings.Join(Tokenize(q.Text), " ")
	rank := "ts_rank(to_tsvector('" + tsConfig + "', m.content), plainto_tsquery('" + tsConfig + "', ?))"
	base := func() *gorm.DB {
		tx := db.Table("messages AS m").
			Joins("JOIN participants p ON p.thread_id = m.thread_id AND p.user_id = ?", q.UserID).
			Where("m.id <= ?", cur.Snapshot).
			Where("m.state IN ?", []models.MessageState{models.StatePersisted, models.StateDelivered, models.StateRead}).
			Where("to_tsvector('"+tsConfig+"', m.content) @@ plainto_tsquery('"+tsConfig+"', ?)", text)
		if q.ThreadID != 0 {
			tx = tx.Where("m.thread_id = ?", q.ThreadID)
		}
		if q.Participant != 0 {
			tx = tx.Where("EXISTS (SELECT 1 FROM participants p2 WHERE p2.thread_id = m.thread_id AND p2.user_id = ?)", q.Participant)
		}
		if !q.From.IsZero() {
			tx = tx.Where("m.created_at >= ?", q.From)
		}
		if !q.To.IsZero() {
			tx = tx.Where("m.created_at <= ?", q.To)
		}
		return tx
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return Page{}, apperr.Internal("search_count", err)
	}

	tx := base()
	if cur.started {
		at := time.Unix(0, cur.CreatedAt).UTC()
		tx = tx.Where("(("+rank+" < ?) OR ("+rank+" = ? AND m.created_at < ?) OR ("+rank+" = ? AND m.created_at = ? AND m.id < ?))",
			text, cur.Score,
			text, cur.Score, at,
			text, cur.Score, at, cur.ID)
	}

	var rows []struct {
		Hit
		Content string
	}
	err := tx.
		Select("m.id AS message_id, m.thread_id, m.sender_id, m.seq, m.content, m.created_at, "+rank+" AS score", text).
		Order("score DESC, m.created_at DESC, m.id DESC").
		Limit(size + 1).
		Scan(&rows).Error
	if err != nil {
		return Page{}, apperr.Internal("search_query", err)
	}

	page := Page{Results: make([]Hit, 0, len(rows)), TotalCount: int(total)}
	for i, r := range rows {
		if i == size {
			page.NextCursor = cur.resume(page.Results[size-1])
			break
		}
		h := r.Hit
		h.Snippet = snippet(r.Content)
		page.Results = append(page.Results, h)
	}
	return page, nil
}
