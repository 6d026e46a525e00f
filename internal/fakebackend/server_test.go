// ABOUTME: Tests for the fake backend's contract: CSRF, login, tokens and shapes
// ABOUTME: Drives the handler with a plain cookie-jar HTTP client

package fakebackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func newTestServer(t *testing.T, opts Options) (*Server, *testClient) {
	t.Helper()
	fb := New(opts, nil)
	srv := httptest.NewServer(fb.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return fb, &testClient{t: t, base: srv.URL, http: &http.Client{Jar: jar}}
}

func (c *testClient) fetchCSRF() {
	c.t.Helper()
	resp, err := c.http.Get(c.base + "/sanctum/csrf-cookie")
	require.NoError(c.t, err)
	resp.Body.Close()
	u, _ := url.Parse(c.base)
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			c.csrf, _ = url.QueryUnescape(ck.Value)
		}
	}
	require.NotEmpty(c.t, c.csrf)
}

func (c *testClient) do(method, path, bearer string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.csrf != "" {
		req.Header.Set(csrfHeaderName, c.csrf)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestLoginRequiresCSRF(t *testing.T) {
	fb, c := newTestServer(t, Options{})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", []string{"admin"}, nil)
	require.NoError(t, err)

	status, body := c.do(http.MethodPost, "/api/login", "", map[string]string{"email": "ada@example.com", "password": "password123"})
	assert.Equal(t, 419, status)
	assert.Equal(t, "CSRF token mismatch.", body["message"])

	c.fetchCSRF()
	status, body = c.do(http.MethodPost, "/api/login", "", map[string]string{"email": "ada@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, 1, fb.Calls("GET /sanctum/csrf-cookie"))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)

	status, body := c.do(http.MethodPost, "/api/login", "", map[string]string{"email": "ada@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["errors"], "email")
}

func TestUserShapes(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		check func(t *testing.T, body map[string]any)
	}{
		{"strings", Options{RoleShape: RolesAsStrings}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, []any{"admin"}, body["roles"])
			assert.Equal(t, []any{"view_users"}, body["permissions"])
		}},
		{"objects", Options{RoleShape: RolesAsObjects}, func(t *testing.T, body map[string]any) {
			roles := body["roles"].([]any)
			require.Len(t, roles, 1)
			assert.Equal(t, "admin", roles[0].(map[string]any)["name"])
		}},
		{"map", Options{RoleShape: RolesAsMap}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, map[string]any{"admin": true}, body["roles"])
		}},
		{"no permissions", Options{OmitPermissions: true}, func(t *testing.T, body map[string]any) {
			assert.NotContains(t, body, "permissions")
		}},
		{"data envelope", Options{Envelope: EnvelopeData}, func(t *testing.T, body map[string]any) {
			assert.Contains(t, body, "data")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.SkipCSRF = true
			fb, c := newTestServer(t, tt.opts)
			_, err := fb.AddUser("Ada", "ada@example.com", "password123", []string{"admin"}, []string{"view_users"})
			require.NoError(t, err)
			token, err := fb.IssueToken("ada@example.com")
			require.NoError(t, err)

			status, body := c.do(http.MethodGet, "/api/user", token, nil)
			require.Equal(t, http.StatusOK, status)
			tt.check(t, body)
		})
	}
}

func TestOpaqueTokensHaveNoDots(t *testing.T) {
	fb, _ := newTestServer(t, Options{})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)

	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)
	assert.NotContains(t, token, ".")
	assert.Contains(t, token, "|")
	assert.True(t, fb.TokenValid(token))
}

func TestJWTExpiry(t *testing.T) {
	var now atomic.Int64
	now.Store(1_800_000_000)
	clock := func() time.Time { return time.Unix(now.Load(), 0) }
	fb, c := newTestServer(t, Options{Tokens: TokenJWT, TokenTTL: time.Minute, Now: clock})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)

	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)
	assert.Contains(t, token, ".")

	status, _ := c.do(http.MethodGet, "/api/user", token, nil)
	assert.Equal(t, http.StatusOK, status)

	now.Add(120)
	status, _ = c.do(http.MethodGet, "/api/user", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLogoutRevokes(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)

	status, _ := c.do(http.MethodPost, "/api/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.False(t, fb.TokenValid(token))

	status, _ = c.do(http.MethodGet, "/api/user", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRefreshRotatesToken(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)

	status, body := c.do(http.MethodPost, "/api/refresh", token, nil)
	require.Equal(t, http.StatusOK, status)
	fresh := body["token"].(string)
	assert.NotEqual(t, token, fresh)
	assert.False(t, fb.TokenValid(token))
	assert.True(t, fb.TokenValid(fresh))
}

func TestRefreshDisabled(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true, DisableRefresh: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)

	status, _ := c.do(http.MethodPost, "/api/refresh", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRegisterValidation(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)

	status, body := c.do(http.MethodPost, "/api/register", "", map[string]string{
		"name": "", "email": "nope", "password": "short", "password_confirmation": "other",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	errs := body["errors"].(map[string]any)
	assert.Contains(t, errs, "name")
	assert.Contains(t, errs, "email")
	assert.Len(t, errs["password"], 2)

	status, _ = c.do(http.MethodPost, "/api/register", "", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "password123", "password_confirmation": "password123",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status, "duplicate email")

	status, body = c.do(http.MethodPost, "/api/register", "", map[string]string{
		"name": "Grace", "email": "grace@example.com", "password": "password123", "password_confirmation": "password123",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["token"])
}

func TestPasswordReset(t *testing.T) {
	fb, c := newTestServer(t, Options{SkipCSRF: true})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)

	status, _ := c.do(http.MethodPost, "/api/forgot-password", "", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = c.do(http.MethodPost, "/api/forgot-password", "", map[string]string{"email": "ada@example.com"})
	require.Equal(t, http.StatusOK, status)
	reset := fb.ResetToken("ada@example.com")
	require.NotEmpty(t, reset)

	status, _ = c.do(http.MethodPost, "/api/reset-password", "", map[string]string{
		"token": reset, "email": "ada@example.com", "password": "newpassword1", "password_confirmation": "newpassword1",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = c.do(http.MethodPost, "/api/login", "", map[string]string{"email": "ada@example.com", "password": "newpassword1"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminUsersNeedsPermission(t *testing.T) {
	fb, c := newTestServer(t, Options{})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)

	status, _ := c.do(http.MethodGet, "/api/admin/users", token, nil)
	assert.Equal(t, http.StatusForbidden, status)

	fb.SetPermissions("ada@example.com", []string{"view_users"})
	status, body := c.do(http.MethodGet, "/api/admin/users", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestHoldUser(t *testing.T) {
	fb, c := newTestServer(t, Options{})
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", nil, nil)
	require.NoError(t, err)
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)

	release := fb.HoldUser()
	done := make(chan int, 1)
	go func() {
		status, _ := c.do(http.MethodGet, "/api/user", token, nil)
		done <- status
	}()

	select {
	case <-done:
		t.Fatal("request should be held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release()
	assert.Equal(t, http.StatusOK, <-done)
}
