package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append bumps threads.last_seq inside the transaction, so the row lock
// serialises concurrent appends to the same thread even across processes.
func (r *MessageRepository) Append(ctx context.Context, msg *models.Message, rec *models.IdempotencyRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq uint64
		err := tx.Raw(
			`UPDATE threads SET last_seq = last_seq + 1, last_activity_at = ?, updated_at = ?
			 WHERE id = ? RETURNING last_seq`,
			msg.CreatedAt, msg.CreatedAt, msg.ThreadID,
		).Scan(&seq).Error
		if err != nil {
			return err
		}
		if seq == 0 {
			return ErrNotFound
		}
		msg.Seq = seq
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if rec != nil {
			rec.MessageID = msg.ID
			rec.Seq = msg.Seq
			// An expired record for the same token may still be on disk and is
			// replaced; a live one aborts the whole append.
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sender_id"}, {Name: "token"}},
				DoUpdates: clause.AssignmentColumns([]string{"thread_id", "message_id", "seq", "created_at", "expires_at"}),
				Where: clause.Where{Exprs: []clause.Expression{
					clause.Expr{SQL: "idempotency_records.expires_at <= ?", Vars: []interface{}{rec.CreatedAt}},
				}},
			}).Create(rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrTokenInUse
			}
		}
		return nil
	})
}

func (r *MessageRepository) FindByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Edits", func(db *gorm.DB) *gorm.DB { return db.Order("edited_at ASC, id ASC") }).
		First(&message, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *MessageRepository) FindIdempotency(ctx context.Context, senderID uint, token string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND token = ?", senderID, token).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *MessageRepository) Update(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"content":      msg.Content,
			"state":        msg.State,
			"edited_at":    msg.EditedAt,
			"delivered_at": msg.DeliveredAt,
			"read_at":      msg.ReadAt,
			"retracted_at": msg.RetractedAt,
			"updated_at":   msg.UpdatedAt,
		}).Error
}

func (r *MessageRepository) ReplaceContent(ctx context.Context, msg *models.Message, edit models.MessageEdit) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		edit.MessageID = msg.ID
		if err := tx.Create(&edit).Error; err != nil {
			return err
		}
		return tx.Model(&models.Message{}).Where("id = ?", msg.ID).
			Updates(map[string]interface{}{
				"content":    msg.Content,
				"edited_at":  msg.EditedAt,
				"updated_at": msg.UpdatedAt,
			}).Error
	})
}

func (r *MessageRepository) ListByThread(ctx context.Context, threadID uint, beforeSeq uint64, limit int) ([]models.Message, error) {
	q := r.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	var messages []models.Message
	err := q.Order("seq DESC").Limit(limit).Find(&messages).Error
	return messages, err
}

func (r *MessageRepository) ListUnreadUpTo(ctx context.Context, threadID, readerID uint, afterSeq, uptoSeq uint64) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("thread_id = ? AND sender_id <> ? AND seq > ? AND seq <= ?", threadID, readerID, afterSeq, uptoSeq).
		Where("state IN ?", []models.MessageState{models.StatePersisted, models.StateDelivered}).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

func (r *MessageRepository) CountUnread(ctx context.Context, threadID, userID uint, afterSeq uint64) (uint64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("thread_id = ? AND sender_id <> ? AND seq > ? AND state <> ?", threadID, userID, afterSeq, models.StateRetracted).
		Count(&count).Error
	return uint64(count), err
}

func (r *MessageRepository) CountBySenderSince(ctx context.Context, senderID uint, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND created_at > ?", senderID, since).
		Count(&count).Error
	return int(count), err
}

func (r *MessageRepository) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
