package outbox

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
)

func newTestTransport(t *testing.T, handler fasthttp.RequestHandler) *HTTPTransport {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return NewHTTPTransportWithClient(client, "http://chat.test/", "access-token")
}

func TestHTTPTransportSend(t *testing.T) {
	tr := newTestTransport(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/api/threads/7/messages", string(ctx.Path()))
		assert.Equal(t, "Bearer access-token", string(ctx.Request.Header.Peek("Authorization")))
		assert.Equal(t, "tok-1", string(ctx.Request.Header.Peek("Idempotency-Key")))

		var body sendBody
		assert.NoError(t, json.Unmarshal(ctx.PostBody(), &body))
		assert.Equal(t, "hello", body.Content)

		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetContentType("application/json")
		_ = json.NewEncoder(ctx).Encode(map[string]any{"message_id": 11, "thread_id": 7, "seq": 3, "token": body.Token})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := tr.Send(ctx, Request{Token: "tok-1", ThreadID: 7, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, Ack{Token: "tok-1", MessageID: 11, ThreadID: 7, Seq: 3}, ack)
}

func TestHTTPTransportErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		header    string
		kind      apperr.Kind
		retryable bool
	}{
		{fasthttp.StatusBadRequest, "empty_content", "", apperr.KindValidation, false},
		{fasthttp.StatusForbidden, "blocked", "", apperr.KindPermission, false},
		{fasthttp.StatusTooManyRequests, "rate_limited", "12", apperr.KindRateLimited, true},
		{fasthttp.StatusTooManyRequests, "daily_message_quota", "", apperr.KindLimitExceeded, false},
		{fasthttp.StatusServiceUnavailable, "", "", apperr.KindTransport, true},
	}
	for _, tc := range cases {
		tc := tc
		tr := newTestTransport(t, func(ctx *fasthttp.RequestCtx) {
			if tc.header != "" {
				ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, tc.header)
			}
			ctx.SetStatusCode(tc.status)
			_ = json.NewEncoder(ctx).Encode(map[string]any{"error": "nope", "code": tc.code})
		})

		_, err := tr.Send(context.Background(), Request{Token: "t", ThreadID: 1, Content: "x"})
		require.Error(t, err)
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, tc.kind, e.Kind, tc.code)
		assert.Equal(t, tc.retryable, apperr.Retryable(err), tc.code)
		if tc.header != "" {
			assert.Equal(t, 12*time.Second, e.RetryAfter)
		}
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return nil, &net.OpError{Op: "dial", Err: assert.AnError} }}
	tr := NewHTTPTransportWithClient(client, "http://chat.test", "")

	_, err := tr.Send(context.Background(), Request{Token: "t", ThreadID: 1, Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrTransport)
}
