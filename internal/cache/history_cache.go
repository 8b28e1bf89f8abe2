package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// HistoryTTL bounds how long a cached backfill page lives.
const HistoryTTL = 5 * time.Minute

// HistoryCache caches backfill pages. All pages of a thread share one hash
// so a write invalidates them with a single delete.
type HistoryCache struct {
	redis *RedisCache
	log   *logrus.Entry
}

func NewHistoryCache(redis *RedisCache) *HistoryCache {
	return &HistoryCache{redis: redis, log: logger.Component("history_cache")}
}

func historyKey(threadID uint) string {
	return fmt.Sprintf("history:%d", threadID)
}

func pageField(beforeSeq uint64, limit int) string {
	return fmt.Sprintf("%d:%d", beforeSeq, limit)
}

// Get returns a cached page, or false on a miss or any Redis error.
func (hc *HistoryCache) Get(ctx context.Context, threadID uint, beforeSeq uint64, limit int) ([]models.Message, bool) {
	if hc == nil || hc.redis == nil {
		return nil, false
	}
	data, err := hc.redis.HashGet(ctx, historyKey(threadID), pageField(beforeSeq, limit))
	if err != nil || data == nil {
		return nil, false
	}

	var messages []models.Message
	if err := msgpack.Unmarshal(data, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

func (hc *HistoryCache) Set(ctx context.Context, threadID uint, beforeSeq uint64, limit int, messages []models.Message) {
	if hc == nil || hc.redis == nil {
		return
	}
	data, err := msgpack.Marshal(messages)
	if err != nil {
		hc.log.WithError(err).Warn("encode history page")
		return
	}
	if err := hc.redis.HashSet(ctx, historyKey(threadID), pageField(beforeSeq, limit), data, HistoryTTL); err != nil {
		hc.log.WithError(err).WithField("thread_id", threadID).Warn("cache history page")
	}
}

func (hc *HistoryCache) Invalidate(ctx context.Context, threadID uint) {
	if hc == nil || hc.redis == nil {
		return
	}
	if err := hc.redis.Delete(ctx, historyKey(threadID)); err != nil {
		hc.log.WithError(err).WithField("thread_id", threadID).Warn("invalidate history")
	}
}
