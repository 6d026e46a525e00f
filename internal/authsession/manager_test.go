// ABOUTME: Tests for the auth session manager against the fake backend
// ABOUTME: Covers login/logout/register, restore, refresh races and signal handling

package authsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/widget-console/internal/backend"
	"github.com/2389/widget-console/internal/csrf"
	"github.com/2389/widget-console/internal/fakebackend"
	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/signals"
	"github.com/2389/widget-console/internal/tokenstore"
	"github.com/2389/widget-console/internal/transport"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "password123"
)

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) count(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Title == title {
			n++
		}
	}
	return n
}

func (r *recorder) levels() []notify.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Level, 0, len(r.notes))
	for _, note := range r.notes {
		out = append(out, note.Level)
	}
	return out
}

type harness struct {
	fb     *fakebackend.Server
	srv    *httptest.Server
	store  *tokenstore.Memory
	bus    *signals.Bus
	client *transport.Client
	api    *backend.API
	mgr    *Manager
	notes  *recorder
}

func newHarness(t *testing.T, opts fakebackend.Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

// newHarnessWith lets a test put its own handler in front of the fake.
func newHarnessWith(t *testing.T, opts fakebackend.Options, wrap func(*fakebackend.Server, http.Handler) http.Handler) *harness {
	t.Helper()
	fb := fakebackend.New(opts, nil)
	_, err := fb.AddUser("Ada", testEmail, testPassword, []string{"admin"}, []string{"manage_users"})
	require.NoError(t, err)

	var handler http.Handler = fb.Handler()
	if wrap != nil {
		handler = wrap(fb, handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := tokenstore.NewMemory()
	bus := signals.NewBus(time.Minute, nil)
	t.Cleanup(bus.Close)

	client, err := transport.New(transport.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, store, bus, nil)
	require.NoError(t, err)
	boot := csrf.New(client, store, csrf.Options{Backoff: time.Millisecond}, nil)
	client.SetCSRFSource(boot)
	api := backend.New(client, backend.Endpoints{})

	notes := &recorder{}
	mgr := New(api, store, Options{
		CSRF:           boot,
		Bus:            bus,
		Notifier:       notes,
		RequestTimeout: 2 * time.Second,
	}, nil)

	return &harness{fb: fb, srv: srv, store: store, bus: bus, client: client, api: api, mgr: mgr, notes: notes}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.mgr.Start(ctx))
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	ok, err := h.mgr.Login(context.Background(), testEmail, testPassword, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLogin_Success(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	ok, err := h.mgr.Login(context.Background(), testEmail, testPassword, true)
	require.NoError(t, err)
	require.True(t, ok)

	snap := h.mgr.Snapshot()
	assert.Equal(t, StatusAuthenticated, snap.Status)
	assert.True(t, snap.Authenticated())
	assert.False(t, snap.Loading)
	assert.True(t, snap.HasToken)
	assert.True(t, snap.HasActiveSession)
	assert.Equal(t, "Ada", snap.User.Name)
	assert.True(t, h.store.Persistent())
	assert.True(t, h.mgr.HasRole("Admin"))
	assert.True(t, h.mgr.HasPermission("manage users"))
	assert.Equal(t, 1, h.fb.Calls("GET /sanctum/csrf-cookie"), "csrf fetched before the first mutation")
}

func TestLogin_RememberOffIsSessionScoped(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	ok, err := h.mgr.Login(context.Background(), testEmail, testPassword, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, h.store.Persistent())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	ok, err := h.mgr.Login(context.Background(), testEmail, "wrong", true)
	require.NoError(t, err, "rejected credentials are not an error")
	assert.False(t, ok)

	assert.Equal(t, StatusError, h.mgr.Status())
	assert.Nil(t, h.mgr.User())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)

	var se *transport.StatusError
	require.ErrorAs(t, h.mgr.LastError(), &se)
	assert.NotEmpty(t, se.FieldError("email"))
}

func TestLogin_TransportFailure(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.srv.Close()

	ok, err := h.mgr.Login(context.Background(), testEmail, testPassword, true)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))
	assert.Equal(t, StatusError, h.mgr.Status())
}

func TestLogout_IdempotentWhenLoggedOut(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	assert.NotPanics(t, func() {
		h.mgr.Logout(context.Background())
		h.mgr.Logout(context.Background())
	})
	assert.Nil(t, h.mgr.User())
	assert.False(t, h.store.HasActiveSession())
	assert.Equal(t, StatusUnauthenticated, h.mgr.Status())
	assert.Zero(t, h.fb.Calls("POST /api/logout"), "nothing to revoke")
}

func TestLogout_ClearsLocallyAndRevokes(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	token, _ := h.store.Token()

	h.mgr.Logout(context.Background())

	assert.Nil(t, h.mgr.User())
	assert.False(t, h.store.HasActiveSession())
	assert.Empty(t, h.store.CSRFToken())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)
	assert.False(t, h.fb.TokenValid(token))
}

func TestLogout_BackendDownStillClears(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	h.srv.Close()

	h.mgr.Logout(context.Background())
	assert.Nil(t, h.mgr.User())
	assert.False(t, h.mgr.IsAuthenticated())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)
}

func TestMissingPermissionsNormalizedToEmpty(t *testing.T) {
	h := newHarness(t, fakebackend.Options{OmitPermissions: true})
	h.login(t)

	u := h.mgr.User()
	require.NotNil(t, u)
	assert.NotNil(t, u.Permissions)
	assert.Empty(t, u.Permissions)
	assert.NotPanics(t, func() {
		assert.False(t, h.mgr.HasPermission("manage users"))
	})
}

func TestRoleShapes(t *testing.T) {
	for _, shape := range []fakebackend.RoleShape{fakebackend.RolesAsStrings, fakebackend.RolesAsObjects, fakebackend.RolesAsMap} {
		t.Run(string(shape), func(t *testing.T) {
			h := newHarness(t, fakebackend.Options{RoleShape: shape})
			h.login(t)
			assert.True(t, h.mgr.HasRole("admin"))
			assert.False(t, h.mgr.HasRole("owner"))
		})
	}
}

func TestLogin_TokenOnlyResponseFetchesUser(t *testing.T) {
	h := newHarnessWith(t, fakebackend.Options{}, func(fb *fakebackend.Server, next http.Handler) http.Handler {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
			tok, err := fb.IssueToken(testEmail)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"token":"` + tok + `"}`))
		})
		mux.Handle("/", next)
		return mux
	})

	h.login(t)
	assert.Equal(t, "Ada", h.mgr.User().Name)
	assert.Equal(t, 1, h.fb.Calls("GET /api/user"))
}

func TestLogin_TokenOnlyLookupFailureIsNotAnExpiry(t *testing.T) {
	h := newHarnessWith(t, fakebackend.Options{}, func(fb *fakebackend.Server, next http.Handler) http.Handler {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"token":"never-issued"}`))
		})
		mux.Handle("/", next)
		return mux
	})
	h.start(t)

	ok, err := h.mgr.Login(context.Background(), testEmail, testPassword, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, transport.IsUnauthenticated(h.mgr.LastError()))

	assert.Never(t, func() bool { return h.notes.count("Session expired") > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, h.mgr.IsAuthenticated())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)
}

func TestRegister(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	ok, err := h.mgr.Register(context.Background(), identity.Registration{
		Name: "Grace", Email: "grace@example.com", Password: "password123", PasswordConfirmation: "password123",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Grace", h.mgr.User().Name)
	assert.False(t, h.store.Persistent())

	ok, err = h.mgr.Register(context.Background(), identity.Registration{Name: "", Email: "bad", Password: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
	var se *transport.StatusError
	require.ErrorAs(t, h.mgr.LastError(), &se)
	assert.Contains(t, se.FieldNames(), "password")
}

func TestRefreshAuth_NoMarkerSkipsNetwork(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.mgr.UpdateUser(identity.Patch{Name: ptr("Ghost")})

	require.NoError(t, h.mgr.RefreshAuth(context.Background()))
	assert.Nil(t, h.mgr.User())
	assert.Zero(t, h.fb.Calls("GET /api/user"))
	assert.Zero(t, h.fb.Calls("GET /sanctum/csrf-cookie"))
}

func TestRefreshAuth_RevokedTokenClearsSessionOnce(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.start(t)
	h.login(t)
	h.fb.RevokeAll()

	require.NoError(t, h.mgr.RefreshAuth(context.Background()))

	assert.Nil(t, h.mgr.User())
	assert.Equal(t, StatusUnauthenticated, h.mgr.Status())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)

	// The transport's auth:expired signal arrives too; still one notice.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.notes.count("Session expired"))
}

func TestRefreshAuth_TransientFailureKeepsToken(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	token, _ := h.store.Token()
	h.srv.Close()

	err := h.mgr.RefreshAuth(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))

	kept, ok := h.store.Token()
	assert.True(t, ok)
	assert.Equal(t, token, kept)
	assert.True(t, h.store.HasActiveSession())
	assert.Nil(t, h.mgr.User())
	assert.Equal(t, StatusError, h.mgr.Status())
}

func TestRefreshAuth_ConcurrentCallersShareOneRequest(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	release := h.fb.HoldUser()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.mgr.RefreshAuth(context.Background())
		}(i)
	}

	assert.Eventually(t, func() bool { return h.fb.Calls("GET /api/user") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.mgr.IsLoading())
	time.Sleep(30 * time.Millisecond)
	release()
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.fb.Calls("GET /api/user"))
	assert.False(t, h.mgr.IsLoading())
	assert.True(t, h.mgr.IsAuthenticated())
}

func TestRefreshAuth_CallerCancelDoesNotAbortSharedWork(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	release := h.fb.HoldUser()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- h.mgr.RefreshAuth(ctx) }()
	assert.Eventually(t, func() bool { return h.fb.Calls("GET /api/user") == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- h.mgr.RefreshAuth(context.Background()) }()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	release()
	assert.NoError(t, <-second)
	assert.True(t, h.mgr.IsAuthenticated())
}

func TestLogoutWinsOverLateRefresh(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	release := h.fb.HoldUser()

	done := make(chan error, 1)
	go func() { done <- h.mgr.RefreshAuth(context.Background()) }()
	assert.Eventually(t, func() bool { return h.fb.Calls("GET /api/user") == 1 }, time.Second, 5*time.Millisecond)

	h.mgr.Logout(context.Background())
	release()
	require.NoError(t, <-done)

	assert.Nil(t, h.mgr.User())
	assert.Equal(t, StatusUnauthenticated, h.mgr.Status())
	assert.False(t, h.store.HasActiveSession())
	_, hasToken := h.store.Token()
	assert.False(t, hasToken)
}

func TestSimultaneousUnauthorizedShowsOneNotice(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.start(t)
	h.login(t)
	h.fb.RevokeAll()

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.api.CurrentUser(context.Background())
			assert.True(t, transport.IsUnauthenticated(err))
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return h.mgr.Status() == StatusUnauthenticated }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.notes.count("Session expired"))
	assert.Nil(t, h.mgr.User())
}

func TestExpirySignalFromPreviousSessionIgnored(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)

	h.mgr.HandleSignal(context.Background(), signals.Signal{
		Kind:    signals.AuthExpired,
		Status:  http.StatusUnauthorized,
		Session: signals.Fingerprint("some-older-token"),
	})

	assert.True(t, h.mgr.IsAuthenticated())
	assert.Zero(t, h.notes.count("Session expired"))
}

func TestPermissionDeniedLeavesSessionAlone(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	_, err := h.fb.AddUser("Bob", "bob@example.com", testPassword, []string{"viewer"}, nil)
	require.NoError(t, err)
	h.start(t)

	ok, err := h.mgr.Login(context.Background(), "bob@example.com", testPassword, true)
	require.NoError(t, err)
	require.True(t, ok)

	for range 3 {
		err := h.client.Get(context.Background(), "/api/admin/users", nil, transport.Authenticated())
		require.Error(t, err)
		assert.True(t, transport.IsForbidden(err))
	}

	assert.Eventually(t, func() bool { return h.notes.count("Permission denied") == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.notes.count("Permission denied") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.True(t, h.mgr.IsAuthenticated())
	_, hasToken := h.store.Token()
	assert.True(t, hasToken)
	assert.Equal(t, []notify.Level{notify.LevelWarning}, h.notes.levels())
}

func TestStart_RestoresMarkedSession(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	token, err := h.fb.IssueToken(testEmail)
	require.NoError(t, err)
	require.NoError(t, h.store.SetToken(token, true))
	require.NoError(t, h.store.SetActiveSession())

	h.start(t)

	assert.True(t, h.mgr.IsAuthenticated())
	assert.Equal(t, 1, h.fb.Calls("GET /sanctum/csrf-cookie"))
	assert.Equal(t, 1, h.fb.Calls("GET /api/user"))
}

func TestStart_TokenWithoutMarkerIsNotRestored(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	token, err := h.fb.IssueToken(testEmail)
	require.NoError(t, err)
	require.NoError(t, h.store.SetToken(token, true))

	h.start(t)

	assert.False(t, h.mgr.IsAuthenticated())
	assert.Zero(t, h.fb.Calls("GET /api/user"))
}

func TestStart_RevokedTokenClears(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	require.NoError(t, h.store.SetToken("1|revoked", true))
	require.NoError(t, h.store.SetActiveSession())

	h.start(t)

	assert.False(t, h.mgr.IsAuthenticated())
	assert.False(t, h.store.HasActiveSession())
}

func TestExtendSession_RotatesToken(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)
	old, _ := h.store.Token()

	require.NoError(t, h.mgr.ExtendSession(context.Background()))

	fresh, ok := h.store.Token()
	require.True(t, ok)
	assert.NotEqual(t, old, fresh)
	assert.True(t, h.store.Persistent(), "scope survives rotation")
	assert.True(t, h.fb.TokenValid(fresh))
	assert.True(t, h.mgr.IsAuthenticated())
}

func TestExtendSession_FallsBackToRefresh(t *testing.T) {
	h := newHarness(t, fakebackend.Options{DisableRefresh: true})
	h.login(t)
	old, _ := h.store.Token()

	require.NoError(t, h.mgr.ExtendSession(context.Background()))

	same, _ := h.store.Token()
	assert.Equal(t, old, same)
	assert.Equal(t, 1, h.fb.Calls("GET /api/user"))
	assert.True(t, h.mgr.IsAuthenticated())
}

func TestExtendSession_RequiresSession(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	assert.ErrorIs(t, h.mgr.ExtendSession(context.Background()), ErrNotAuthenticated)
}

func TestForceLogout_NotifiesOnce(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)

	h.mgr.ForceLogout(context.Background(), "session expired")
	h.mgr.ForceLogout(context.Background(), "session expired")

	assert.Nil(t, h.mgr.User())
	assert.Equal(t, 1, h.notes.count("Session expired"))
}

func TestUpdateUser(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})
	h.login(t)

	h.mgr.UpdateUser(identity.Patch{Name: ptr("Ada L."), Permissions: &[]string{"manage_branding"}})

	u := h.mgr.User()
	assert.Equal(t, "Ada L.", u.Name)
	assert.Equal(t, testEmail, u.Email)
	assert.True(t, h.mgr.HasPermission("manage branding"))
	assert.False(t, h.mgr.HasPermission("manage users"))
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t, fakebackend.Options{})

	msg, err := h.mgr.ForgotPassword(context.Background(), testEmail)
	require.NoError(t, err)
	assert.NotEmpty(t, msg)

	_, err = h.mgr.ForgotPassword(context.Background(), "nobody@example.com")
	assert.True(t, transport.IsValidation(err))

	msg, err = h.mgr.ResetPassword(context.Background(), identity.PasswordReset{
		Token:                h.fb.ResetToken(testEmail),
		Email:                testEmail,
		Password:             "another-password",
		PasswordConfirmation: "another-password",
	})
	require.NoError(t, err)
	assert.Equal(t, "Your password has been reset.", msg)

	ok, err := h.mgr.Login(context.Background(), testEmail, "another-password", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []notify.Level{notify.LevelSuccess, notify.LevelError, notify.LevelSuccess}, h.notes.levels())
}

func ptr[T any](v T) *T { return &v }
