package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	content map[string]map[string]time.Time // key -> hash -> expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hits:    make(map[string][]time.Time),
		content: make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	hits := s.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= limit {
		s.hits[key] = hits
		return false, hits[0], nil
	}
	s.hits[key] = append(hits, now)
	return true, time.Time{}, nil
}

func (s *MemoryStore) MarkContent(_ context.Context, key, hash string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.content[key]
	if hashes == nil {
		hashes = make(map[string]time.Time)
		s.content[key] = hashes
	}
	if exp, ok := hashes[hash]; ok && now.Before(exp) {
		hashes[hash] = now.Add(ttl)
		return true, nil
	}
	hashes[hash] = now.Add(ttl)
	return false, nil
}

// Sweep drops windows and hashes that can no longer affect a verdict.
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := now.Add(-window)
	for key, hits := range s.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(s.hits, key)
			removed++
		}
	}
	for key, hashes := range s.content {
		for h, exp := range hashes {
			if !now.Before(exp) {
				delete(hashes, h)
				removed++
			}
		}
		if len(hashes) == 0 {
			delete(s.content, key)
		}
	}
	return removed
}
