package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"gorm.io/gorm"
)

type ThreadRepository struct {
	db *gorm.DB
}

func NewThreadRepository(db *gorm.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

func (r *ThreadRepository) Create(ctx context.Context, thread *models.Thread) error {
	return r.db.WithContext(ctx).Create(thread).Error
}

func (r *ThreadRepository) FindByID(ctx context.Context, id uint) (*models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&thread, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (r *ThreadRepository) ListForUser(ctx context.Context, userID uint) ([]models.Thread, error) {
	var threads []models.Thread
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id IN (?)", r.db.Model(&models.Participant{}).Select("thread_id").Where("user_id = ?", userID)).
		Find(&threads).Error
	return threads, err
}

func (r *ThreadRepository) ContactsOf(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Participant{}).
		Distinct("user_id").
		Where("thread_id IN (?)", r.db.Model(&models.Participant{}).Select("thread_id").Where("user_id = ?", userID)).
		Where("user_id <> ?", userID).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *ThreadRepository) CountCreatedSince(ctx context.Context, creatorID uint, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("created_by = ? AND created_at > ?", creatorID, since).
		Count(&count).Error
	return int(count), err
}

func (r *ThreadRepository) CountPinned(ctx context.Context, userID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("user_id = ? AND pinned = ?", userID, true).
		Count(&count).Error
	return int(count), err
}

func (r *ThreadRepository) SetPinned(ctx context.Context, threadID, userID uint, pinned bool, at *time.Time) error {
	return r.updateParticipant(ctx, threadID, userID, map[string]interface{}{
		"pinned":    pinned,
		"pinned_at": at,
	})
}

func (r *ThreadRepository) SetMute(ctx context.Context, threadID, userID uint, muted bool, until *time.Time) error {
	return r.updateParticipant(ctx, threadID, userID, map[string]interface{}{
		"muted":       muted,
		"muted_until": until,
	})
}

func (r *ThreadRepository) AdvanceRead(ctx context.Context, threadID, userID uint, seq uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("thread_id = ? AND user_id = ? AND last_read_seq < ?", threadID, userID, seq).
		Update("last_read_seq", seq)
	return res.RowsAffected > 0, res.Error
}

func (r *ThreadRepository) updateParticipant(ctx context.Context, threadID, userID uint, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
