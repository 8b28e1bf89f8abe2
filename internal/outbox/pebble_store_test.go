package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
)

func TestPebbleStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox")
	s, err := OpenPebbleStore(path)
	require.NoError(t, err)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	first := &Entry{Token: "b", ThreadID: 7, Content: "first", Status: StatusPending, CreatedAt: t0, NextRetry: t0}
	second := &Entry{Token: "a", ThreadID: 7, Content: "second", Status: StatusSending, Attempts: 1, CreatedAt: t0.Add(time.Second)}
	require.NoError(t, s.Put(first))
	require.NoError(t, s.Put(second))

	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
	assert.True(t, got.CreatedAt.Equal(t0))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Token, "oldest first")
	require.NoError(t, s.Close())

	// A restart finds both entries and requeues the interrupted one.
	s, err = OpenPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	var settled []Entry
	ob, err := Open(Config{OnSettled: func(e Entry) { settled = append(settled, e) }}, s, acking, clock.NewMock(t0.Add(time.Minute)))
	require.NoError(t, err)
	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	n, err := ob.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, settled, 2)

	entries, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Delete("never-existed"))
}
