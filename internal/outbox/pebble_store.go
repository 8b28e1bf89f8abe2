package outbox

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
)

var keyPrefix = []byte("outbox/")

// PebbleStore keeps entries in a local pebble database so drafts survive a
// restart. Values are msgpack-encoded.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func entryKey(token string) []byte {
	return append(append([]byte{}, keyPrefix...), token...)
}

func (s *PebbleStore) Get(token string) (*Entry, error) {
	v, closer, err := s.db.Get(entryKey(token))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var e Entry
	if err := msgpack.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("decode outbox entry %s: %w", token, err)
	}
	return &e, nil
}

func (s *PebbleStore) Put(e *Entry) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Set(entryKey(e.Token), data, pebble.Sync)
}

func (s *PebbleStore) Delete(token string) error {
	return s.db.Delete(entryKey(token), pebble.Sync)
}

// List returns entries oldest first.
func (s *PebbleStore) List() ([]Entry, error) {
	upper := append(append([]byte{}, keyPrefix[:len(keyPrefix)-1]...), keyPrefix[len(keyPrefix)-1]+1)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Entry
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), keyPrefix) {
			continue
		}
		var e Entry
		if err := msgpack.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode outbox entry %q: %w", it.Key(), err)
		}
		out = append(out, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
