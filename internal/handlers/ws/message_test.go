package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

func TestRegistryKnowsEveryFrame(t *testing.T) {
	for _, typ := range []string{
		MsgSend, MsgEdit, MsgDelete, MsgRead, MsgTyping, MsgPresenceSubscribe,
		MsgPin, MsgUnpin, MsgMute, MsgUnmute, "ping", "pong",
	} {
		assert.Contains(t, GetTypeRegistry(), typ)
	}
}

func TestDeserialize(t *testing.T) {
	wrapper, err := Decode([]byte(`{"type":"send","request_id":"r1","payload":{"thread_id":7,"content":"hi","token":"t-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", wrapper.RequestID)

	msg, err := DeserializeSerializedMessage(wrapper)
	require.NoError(t, err)
	send, ok := msg.(*MessageSend)
	require.True(t, ok)
	assert.Equal(t, uint(7), send.ThreadID)
	assert.Equal(t, "t-1", send.Token)

	msg, err = Deserialize([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.IsType(t, &MessagePing{}, msg)

	_, err = Deserialize([]byte(`{"type":"nope"}`))
	assert.Error(t, err)
	_, err = Deserialize([]byte(`not json`))
	assert.Error(t, err)
}

func TestSerializeRoundTripsType(t *testing.T) {
	data, err := Serialize(&MessageTyping{ThreadID: 3, IsTyping: true})
	require.NoError(t, err)
	msg, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, &MessageTyping{ThreadID: 3, IsTyping: true}, msg)
}

func TestCompressRoundTrip(t *testing.T) {
	in := []byte(`{"type":"ping"}`)
	z, err := compressData(in)
	require.NoError(t, err)
	out, err := DecompressMessage(z)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecompressMessage([]byte("plain"))
	assert.Error(t, err)
}

func TestPingRepliesPong(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	conn := newFakeConn()
	c := h.Register(1, conn, false)

	res, err := (&MessagePing{}).Process(&MessageContext{Ctx: context.Background(), Client: c, Hub: h})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.Eventually(t, func() bool { return len(conn.events(t, models.EventPong)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFrameValidation(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	ctx := &MessageContext{Ctx: context.Background(), Client: h.Register(1, newFakeConn(), false), Hub: h}

	_, err := (&MessageSend{Content: "hi", Token: "t"}).Process(ctx)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "invalid_thread_id", e.Code)

	_, err = (&MessageRead{}).Process(ctx)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = (&MessageMute{ThreadID: 1, Duration: "soon"}).Process(ctx)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestErrorPayload(t *testing.T) {
	p := ErrorPayload("r1", apperr.RateLimited(30*time.Second, t0))
	assert.Equal(t, "rate_limited", p.Code)
	assert.Equal(t, 30.0, p.RetryAfter)
	assert.Equal(t, "r1", p.RequestID)

	p = ErrorPayload("", apperr.Internal("db", errors.New("connection refused")))
	assert.Equal(t, "db", p.Code)
	assert.Equal(t, "internal error", p.Error)

	p = ErrorPayload("", errors.New("boom"))
	assert.Equal(t, "processing_failed", p.Code)
}

func TestParseMuteDuration(t *testing.T) {
	d, err := ParseMuteDuration("8h")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, d)

	d, err = ParseMuteDuration("")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseMuteDuration("-1h")
	assert.Error(t, err)
}
