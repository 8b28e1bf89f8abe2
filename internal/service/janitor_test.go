package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/ratelimit"
)

func TestJanitorPurgesExpiredRecords(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, 1, 2)
	ctx := context.Background()
	f.send(t, th.ID, 1, "one")
	f.send(t, th.ID, 1, "two")

	j, err := NewJanitor("*/10 * * * *", f.store.Messages(), f.rates, ratelimit.DefaultWindow, f.clk)
	require.NoError(t, err)

	rep, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Idempotency)

	f.clk.Advance(DefaultIdempotencyTTL + time.Minute)
	rep, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Idempotency)
	assert.Positive(t, rep.RateWindows)
	assert.Equal(t, 2, f.store.MessageCount(), "messages themselves are kept")
}

func TestJanitorRejectsBadCron(t *testing.T) {
	_, err := NewJanitor("every tuesday", nil, nil, 0, nil)
	assert.Error(t, err)

	j, err := NewJanitor("", nil, nil, 0, nil)
	require.NoError(t, err)
	j.Start(context.Background())
}
