package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

func TestCreateThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.threads.CreateThread(ctx, 5, []uint{8, 5, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, []uint{5, 8, 9}, th.ParticipantIDs())
	assert.Equal(t, uint(5), th.CreatedBy)

	_, err = f.threads.CreateThread(ctx, 5, []uint{5})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.threads.CreateThread(ctx, 5, []uint{0})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	audits := f.events.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, collab.ActionThreadCreated, audits[0].Action)
}

func TestCreateThreadDailyQuota(t *testing.T) {
	f := newFixture(t)
	f.tiers.Set(1, models.TierFree)
	ctx := context.Background()

	for i := uint(0); i < 3; i++ {
		_, err := f.threads.CreateThread(ctx, 1, []uint{10 + i})
		require.NoError(t, err)
	}
	_, err := f.threads.CreateThread(ctx, 1, []uint{20})
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)

	f.clk.Advance(QuotaWindow)
	_, err = f.threads.CreateThread(ctx, 1, []uint{20})
	assert.NoError(t, err)
}

func TestCreateThreadDailyQuotaUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.tiers.Set(1, models.TierFree)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for i := uint(0); i < 8; i++ {
		wg.Add(1)
		go func(other uint) {
			defer wg.Done()
			_, err := f.threads.CreateThread(ctx, 1, []uint{other})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperr.KindOf(err) == apperr.KindLimitExceeded {
				limited++
			}
		}(30 + i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 5, limited)
	assert.Zero(t, f.threads.userLocks.size())
}

func TestPinCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var threads []*models.Thread
	for i := uint(0); i < 11; i++ {
		threads = append(threads, f.newThread(t, 1, 100+i))
	}
	for _, th := range threads[:10] {
		require.NoError(t, f.threads.Pin(ctx, 1, th.ID))
	}
	require.NoError(t, f.threads.Pin(ctx, 1, threads[0].ID), "re-pinning is a no-op")

	err := f.threads.Pin(ctx, 1, threads[10].ID)
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)

	count, err := f.store.Threads().CountPinned(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	stored, err := f.store.Threads().FindByID(ctx, threads[10].ID)
	require.NoError(t, err)
	assert.False(t, stored.Participant(1).Pinned)

	require.NoError(t, f.threads.Unpin(ctx, 1, threads[0].ID))
	require.NoError(t, f.threads.Pin(ctx, 1, threads[10].ID))

	assert.ErrorIs(t, f.threads.Pin(ctx, 42, threads[0].ID), apperr.ErrPermission)
	assert.ErrorIs(t, f.threads.Pin(ctx, 1, 9999), apperr.ErrNotFound)
}

func TestPinCapHoldsUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var threads []*models.Thread
	for i := uint(0); i < 20; i++ {
		threads = append(threads, f.newThread(t, 1, 200+i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for _, th := range threads {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			err := f.threads.Pin(ctx, 1, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperr.KindOf(err) == apperr.KindLimitExceeded {
				limited++
			}
		}(th.ID)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, limited)
	count, err := f.store.Threads().CountPinned(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestListThreadsOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newThread(t, 1, 2)
	b := f.newThread(t, 1, 3)
	c := f.newThread(t, 1, 4)

	f.clk.Advance(time.Minute)
	f.send(t, a.ID, 2, "a is active")
	f.clk.Advance(time.Minute)
	f.send(t, c.ID, 4, "c is most recent")
	require.NoError(t, f.threads.Pin(ctx, 1, b.ID))

	list, err := f.threads.ListThreads(ctx, 1, SortRecent)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint{b.ID, c.ID, a.ID}, summaryIDs(list))
	assert.True(t, list[0].Pinned)
	assert.Equal(t, uint64(1), list[1].Unread)

	list, err = f.threads.ListThreads(ctx, 1, SortOldest)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID, a.ID, c.ID}, summaryIDs(list))
}

func summaryIDs(list []models.ThreadSummary) []uint {
	ids := make([]uint, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ThreadID)
	}
	return ids
}

func TestParseSortOrder(t *testing.T) {
	o, err := ParseSortOrder("")
	require.NoError(t, err)
	assert.Equal(t, SortRecent, o)
	o, err = ParseSortOrder("oldest")
	require.NoError(t, err)
	assert.Equal(t, SortOldest, o)
	_, err = ParseSortOrder("sideways")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMuteExpiresAndClearsOnRead(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2)
	ctx := context.Background()

	state, err := f.threads.Mute(ctx, 1, th.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, state.Until)
	assert.Equal(t, t0.Add(time.Hour), *state.Until)

	f.clk.Advance(time.Hour)
	muted, err := f.threads.IsMuted(ctx, 1, th.ID)
	require.NoError(t, err)
	assert.True(t, muted, "mute holds through its last instant")

	f.clk.Advance(time.Second)
	state, err = f.threads.MuteState(ctx, 1, th.ID)
	require.NoError(t, err)
	assert.False(t, state.Muted)

	stored, err := f.store.Threads().FindByID(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, stored.Participant(1).Muted, "expired mute is cleared on read")
}

func TestMuteIndefinitely(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2)
	ctx := context.Background()

	state, err := f.threads.Mute(ctx, 1, th.ID, 0)
	require.NoError(t, err)
	assert.True(t, state.Muted)
	assert.Nil(t, state.Until)

	f.clk.Advance(365 * 24 * time.Hour)
	muted, err := f.threads.IsMuted(ctx, 1, th.ID)
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, f.threads.Unmute(ctx, 1, th.ID))
	muted, err = f.threads.IsMuted(ctx, 1, th.ID)
	require.NoError(t, err)
	assert.False(t, muted)

	_, err = f.threads.Mute(ctx, 3, th.ID, time.Hour)
	assert.ErrorIs(t, err, apperr.ErrPermission)
}

func TestMuteNeverAffectsPersistence(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2)
	ctx := context.Background()
	_, err := f.threads.Mute(ctx, 2, th.ID, 0)
	require.NoError(t, err)

	f.hub.setOnline(2, true)
	res := f.send(t, th.ID, 1, "still delivered")
	assert.Equal(t, models.StateDelivered, res.State)
	assert.Len(t, f.hub.ofType(models.EventMessageCreated), 1)
	assert.Empty(t, f.events.NewMessages())
}
