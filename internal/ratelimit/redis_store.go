package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	windowKeyPrefix  = "rate:win:"
	contentKeyPrefix = "rate:dup:"
)

// admitScript trims the window, rejects when full, otherwise records the hit.
// Scores are unix milliseconds.
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[3]) then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2])}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, 0}
`)

// RedisStore shares windows across server instances.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	nowMs := now.UnixMilli()
	res, err := admitScript.Run(ctx, s.client, []string{windowKeyPrefix + key},
		nowMs-window.Milliseconds(),
		nowMs,
		limit,
		strconv.FormatInt(nowMs, 10)+":"+uuid.NewString(),
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, time.Time{}, err
	}
	if res[0] == 1 {
		return true, time.Time{}, nil
	}
	return false, time.UnixMilli(res[1]), nil
}

func (s *RedisStore) MarkContent(ctx context.Context, key, hash string, _ time.Time, ttl time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, contentKeyPrefix+key+":"+hash, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
