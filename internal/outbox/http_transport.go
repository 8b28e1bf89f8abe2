package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
)

// HTTPTransport posts messages to the REST API.
type HTTPTransport struct {
	client      *fasthttp.Client
	baseURL     string
	accessToken string
}

func NewHTTPTransport(baseURL, accessToken string) *HTTPTransport {
	return NewHTTPTransportWithClient(&fasthttp.Client{
		Name:                "eventflow-chatclient",
		MaxIdleConnDuration: 30 * time.Second,
	}, baseURL, accessToken)
}

func NewHTTPTransportWithClient(client *fasthttp.Client, baseURL, accessToken string) *HTTPTransport {
	return &HTTPTransport{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
	}
}

type sendBody struct {
	Content string `json:"content"`
	Token   string `json:"token"`
}

type sendResult struct {
	MessageID uint   `json:"message_id"`
	ThreadID  uint   `json:"thread_id"`
	Seq       uint64 `json:"seq"`
	Token     string `json:"token"`
}

type errorBody struct {
	Error      string  `json:"error"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry_after_seconds"`
}

func (t *HTTPTransport) Send(ctx context.Context, r Request) (Ack, error) {
	body, err := json.Marshal(sendBody{Content: r.Content, Token: r.Token})
	if err != nil {
		return Ack{}, apperr.Internal("encode_request", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/api/threads/%d/messages", t.baseURL, r.ThreadID))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", r.Token)
	if t.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.accessToken)
	}
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultAttemptTimeout)
	}
	if err := t.client.DoDeadline(req, resp, deadline); err != nil {
		return Ack{}, apperr.Transport(err)
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, apperr.Transport(err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusOK || status == fasthttp.StatusCreated {
		var res sendResult
		if err := json.Unmarshal(resp.Body(), &res); err != nil {
			return Ack{}, apperr.Transport(fmt.Errorf("decode response: %w", err))
		}
		return Ack{Token: res.Token, MessageID: res.MessageID, ThreadID: res.ThreadID, Seq: res.Seq}, nil
	}
	return Ack{}, errorFromResponse(status, resp)
}

// errorFromResponse rebuilds the server's apperr from an error response.
func errorFromResponse(status int, resp *fasthttp.Response) error {
	var eb errorBody
	_ = json.Unmarshal(resp.Body(), &eb)
	if eb.Error == "" {
		eb.Error = fasthttp.StatusMessage(status)
	}

	e := &apperr.Error{Kind: kindForStatus(status), Code: eb.Code, Message: eb.Error}
	// Quotas share 429 with rate limiting but do not clear within minutes.
	if e.Kind == apperr.KindRateLimited && eb.Code != "" && eb.Code != "rate_limited" {
		e.Kind = apperr.KindLimitExceeded
	}
	if e.Kind == apperr.KindRateLimited {
		e.RetryAfter = time.Duration(eb.RetryAfter * float64(time.Second))
		if h := resp.Header.Peek(fasthttp.HeaderRetryAfter); len(h) > 0 {
			if secs, err := strconv.Atoi(string(h)); err == nil && time.Duration(secs)*time.Second > e.RetryAfter {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}

func kindForStatus(status int) apperr.Kind {
	switch {
	case status == fasthttp.StatusBadRequest:
		return apperr.KindValidation
	case status == fasthttp.StatusUnauthorized, status == fasthttp.StatusForbidden:
		return apperr.KindPermission
	case status == fasthttp.StatusNotFound:
		return apperr.KindNotFound
	case status == fasthttp.StatusConflict:
		return apperr.KindConflict
	case status == fasthttp.StatusUnprocessableEntity:
		return apperr.KindEditWindowExpired
	case status == fasthttp.StatusTooManyRequests:
		return apperr.KindRateLimited
	case status >= 500:
		return apperr.KindTransport
	case status >= 400:
		return apperr.KindValidation
	}
	return apperr.KindInternal
}
