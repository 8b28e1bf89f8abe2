package outbox

import (
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one message waiting for the server to acknowledge it. Token is
// the idempotency token and the entry's identity.
type Entry struct {
	Token     string    `msgpack:"token" json:"token"`
	ThreadID  uint      `msgpack:"thread_id" json:"thread_id"`
	Content   string    `msgpack:"content" json:"content"`
	Attempts  int       `msgpack:"attempts" json:"attempts"`
	NextRetry time.Time `msgpack:"next_retry" json:"next_retry"`
	Status    Status    `msgpack:"status" json:"status"`
	LastError string    `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	ServerID  uint      `msgpack:"server_id,omitempty" json:"server_id,omitempty"`
	ServerSeq uint64    `msgpack:"server_seq,omitempty" json:"server_seq,omitempty"`
}

var ErrNotFound = errors.New("outbox entry not found")

// Store persists entries keyed by token.
type Store interface {
	Get(token string) (*Entry, error)
	Put(e *Entry) error
	Delete(token string) error
	List() ([]Entry, error)
	Close() error
}

// MemoryStore keeps entries for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(token string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Put(e *Entry) error {
	s.mu.Lock()
	s.entries[e.Token] = *e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(token string) error {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
	return nil
}

// List returns entries oldest first.
func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].Token < es[j].Token
	})
}
