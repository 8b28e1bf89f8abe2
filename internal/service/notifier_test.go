package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEightHourMuteSuppressesThenResumes(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2)
	ctx := context.Background()

	_, err := f.threads.Mute(ctx, 2, th.ID, 8*time.Hour)
	require.NoError(t, err)

	f.send(t, th.ID, 1, "muted right away")
	assert.Empty(t, f.events.NewMessages())

	f.clk.Advance(8 * time.Hour)
	f.send(t, th.ID, 1, "still muted at the boundary")
	assert.Empty(t, f.events.NewMessages())

	f.clk.Advance(time.Second)
	res := f.send(t, th.ID, 1, "mute is over")
	events := f.events.NewMessages()
	require.Len(t, events, 1)
	assert.Equal(t, uint(2), events[0].RecipientID)
	assert.Equal(t, res.MessageID, events[0].MessageID)
	assert.Equal(t, "mute is over", events[0].Preview)
}

func TestNotifierSkipsSenderAndTruncatesPreview(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2, 3)

	long := make([]rune, previewRunes+10)
	for i := range long {
		long[i] = 'z'
	}
	f.send(t, th.ID, 1, string(long))

	events := f.events.NewMessages()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.NotEqual(t, uint(1), ev.RecipientID)
		assert.Len(t, []rune(ev.Preview), previewRunes+1)
	}
}
