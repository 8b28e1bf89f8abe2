package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
)

const secret = "test-secret"

func whoami(c *fiber.Ctx) error {
	uid, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	return c.JSON(fiber.Map{"user_id": uid})
}

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	app.Get("/me", AuthRequired(secret), whoami)

	token, err := IssueToken(secret, 42, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, 42, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other", 42, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		cookie string
		status int
	}{
		{"bearer", "Bearer " + token, "", 200},
		{"cookie", "", token, 200},
		{"missing", "", "", 401},
		{"malformed", "Token " + token, "", 401},
		{"expired", "Bearer " + expired, "", 401},
		{"wrong secret", "Bearer " + forged, "", 401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.Header.Set("Cookie", AccessCookie+"="+tc.cookie)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken(secret, 7, time.Hour)
	require.NoError(t, err)
	uid, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), uid)

	_, err = ParseToken(secret, "garbage")
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	app := fiber.New()
	app.Get("/", OriginAllowed([]string{"https://app.example"}), func(c *fiber.Ctx) error { return c.SendStatus(204) })

	for origin, status := range map[string]int{
		"":                    204,
		"https://app.example": 204,
		"https://evil.test":   403,
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode, origin)
	}
}

func TestCSRFRequired(t *testing.T) {
	app := fiber.New()
	app.Post("/", CSRFRequired("token", nil), func(c *fiber.Ctx) error { return c.SendStatus(204) })

	send := func(mutate func(r *http.Request)) int {
		req := httptest.NewRequest("POST", "/", nil)
		mutate(req)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, 204, send(func(r *http.Request) {}))
	assert.Equal(t, 204, send(func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
		r.Header.Set("Authorization", "Bearer x")
	}))
	assert.Equal(t, 403, send(func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
	}))
	assert.Equal(t, 204, send(func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
		r.Header.Set("Cookie", CSRFCookie+"=abc")
		r.Header.Set(CSRFHeader, "abc")
	}))
	assert.Equal(t, 403, send(func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
		r.Header.Set("Cookie", CSRFCookie+"=abc")
		r.Header.Set(CSRFHeader, "abd")
	}))
}
