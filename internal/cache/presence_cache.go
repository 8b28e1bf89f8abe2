package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	OnlineUsersTTL = 90 * time.Second // Match pong timeout
	onlineSetKey   = "online:users"
)

// PresenceCache mirrors hub presence into Redis so other processes can see it.
type PresenceCache struct {
	redis *RedisCache
}

func NewPresenceCache(redis *RedisCache) *PresenceCache {
	return &PresenceCache{redis: redis}
}

func onlineKey(userID uint) string {
	return fmt.Sprintf("online:%d", userID)
}

// SetOnline adds a user to the online users set
func (pc *PresenceCache) SetOnline(ctx context.Context, userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	if err := pc.redis.SetAdd(ctx, onlineSetKey, userID); err != nil {
		return err
	}
	// Individual key with TTL so a crashed process doesn't leave users online forever
	return pc.redis.Set(ctx, onlineKey(userID), []byte("1"), OnlineUsersTTL)
}

// SetOffline removes a user from the online users set
func (pc *PresenceCache) SetOffline(ctx context.Context, userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	if err := pc.redis.SetRemove(ctx, onlineSetKey, userID); err != nil {
		return err
	}
	return pc.redis.Delete(ctx, onlineKey(userID))
}

// Refresh extends the TTL for an online user
func (pc *PresenceCache) Refresh(ctx context.Context, userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	return pc.redis.Set(ctx, onlineKey(userID), []byte("1"), OnlineUsersTTL)
}

func (pc *PresenceCache) IsOnline(ctx context.Context, userID uint) bool {
	if pc == nil || pc.redis == nil {
		return false
	}
	return pc.redis.Exists(ctx, onlineKey(userID))
}

// OnlineUsers returns users whose individual key is still live.
func (pc *PresenceCache) OnlineUsers(ctx context.Context) ([]uint, error) {
	if pc == nil || pc.redis == nil {
		return nil, nil
	}
	members, err := pc.redis.SetMembers(ctx, onlineSetKey)
	if err != nil {
		return nil, err
	}

	userIDs := make([]uint, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, 32)
		if err != nil {
			continue
		}
		if pc.redis.Exists(ctx, onlineKey(uint(id))) {
			userIDs = append(userIDs, uint(id))
		}
	}
	return userIDs, nil
}
