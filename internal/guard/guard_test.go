// ABOUTME: Tests for the guard state machine, grace budget and HTTP middleware
// ABOUTME: Includes a restore race against the real session manager and fake backend

package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/backend"
	"github.com/2389/widget-console/internal/csrf"
	"github.com/2389/widget-console/internal/fakebackend"
	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/signals"
	"github.com/2389/widget-console/internal/tokenstore"
	"github.com/2389/widget-console/internal/transport"
)

type fakeSession struct {
	mu        sync.Mutex
	snap      authsession.Snapshot
	roles     map[string]bool
	perms     map[string]bool
	panics    bool
	refreshes atomic.Int32
}

func (f *fakeSession) Snapshot() authsession.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	return f.snap
}

func (f *fakeSession) set(snap authsession.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fakeSession) HasRole(roles ...string) bool {
	for _, r := range roles {
		if f.roles[r] {
			return true
		}
	}
	return false
}

func (f *fakeSession) HasPermission(perms ...string) bool {
	for _, p := range perms {
		if f.perms[p] {
			return true
		}
	}
	return false
}

func (f *fakeSession) RefreshAuth(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedIn() authsession.Snapshot {
	return authsession.Snapshot{
		Status: authsession.StatusAuthenticated,
		User:   &identity.User{ID: "1", Name: "Ada"},
	}
}

func freshMarker() authsession.Snapshot {
	return authsession.Snapshot{
		Status:           authsession.StatusUnauthenticated,
		HasToken:         true,
		HasActiveSession: true,
		ActiveSince:      fixedNow.Add(-time.Second),
	}
}

func newGuard(s Session) *Guard {
	return New(s, Options{
		Now:          func() time.Time { return fixedNow },
		RefreshEvery: time.Hour,
	}, nil)
}

func TestEvaluate_LoadingIsChecking(t *testing.T) {
	s := &fakeSession{snap: authsession.Snapshot{Status: authsession.StatusAuthenticating}}
	g := newGuard(s)

	for range 5 {
		assert.Equal(t, StateChecking, g.Evaluate(context.Background(), Requirement{}).State)
	}
	assert.Zero(t, g.Attempts(), "loading does not spend the grace budget")

	s.set(authsession.Snapshot{Status: authsession.StatusAuthenticated, Loading: true})
	assert.Equal(t, StateChecking, g.Evaluate(context.Background(), Requirement{}).State)
}

func TestEvaluate_Requirements(t *testing.T) {
	tests := []struct {
		name  string
		roles map[string]bool
		perms map[string]bool
		req   Requirement
		want  State
	}{
		{name: "no requirement", want: StateAllowed},
		{name: "any role", roles: map[string]bool{"editor": true}, req: Requirement{Roles: []string{"admin", "editor"}}, want: StateAllowed},
		{name: "missing role", roles: map[string]bool{"viewer": true}, req: Requirement{Roles: []string{"admin"}}, want: StateUnauthorized},
		{name: "any permission", perms: map[string]bool{"view_users": true}, req: Requirement{Permissions: []string{"manage_users", "view_users"}}, want: StateAllowed},
		{name: "both lists satisfied", roles: map[string]bool{"admin": true}, perms: map[string]bool{"view_users": true},
			req: Requirement{Roles: []string{"admin"}, Permissions: []string{"view_users"}}, want: StateAllowed},
		{name: "role without permission", roles: map[string]bool{"admin": true},
			req: Requirement{Roles: []string{"admin"}, Permissions: []string{"view_users"}}, want: StateUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{snap: signedIn(), roles: tt.roles, perms: tt.perms}
			assert.Equal(t, tt.want, newGuard(s).Evaluate(context.Background(), tt.req).State)
		})
	}
}

func TestEvaluate_NoMarkerRedirectsToLogin(t *testing.T) {
	s := &fakeSession{snap: authsession.Snapshot{Status: authsession.StatusUnauthenticated}}
	d := newGuard(s).Evaluate(context.Background(), Requirement{})
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Zero(t, s.refreshes.Load())
}

func TestEvaluate_GraceBudgetIsBounded(t *testing.T) {
	s := &fakeSession{snap: freshMarker()}
	g := newGuard(s)

	for i := 1; i <= DefaultMaxAttempts; i++ {
		d := g.Evaluate(context.Background(), Requirement{})
		assert.Equal(t, StateChecking, d.State)
		assert.Equal(t, i, d.Attempt)
	}
	assert.Equal(t, StateUnauthenticated, g.Evaluate(context.Background(), Requirement{}).State)

	assert.Eventually(t, func() bool { return s.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), s.refreshes.Load(), "refreshes are paced")
}

func TestEvaluate_StaleMarkerSkipsGrace(t *testing.T) {
	snap := freshMarker()
	snap.ActiveSince = fixedNow.Add(-time.Minute)
	s := &fakeSession{snap: snap}

	assert.Equal(t, StateUnauthenticated, newGuard(s).Evaluate(context.Background(), Requirement{}).State)
}

func TestEvaluate_AuthenticatedResetsBudget(t *testing.T) {
	s := &fakeSession{snap: freshMarker()}
	g := newGuard(s)

	g.Evaluate(context.Background(), Requirement{})
	g.Evaluate(context.Background(), Requirement{})
	require.Equal(t, 2, g.Attempts())

	s.set(signedIn())
	assert.Equal(t, StateAllowed, g.Evaluate(context.Background(), Requirement{}).State)
	assert.Zero(t, g.Attempts())
}

func serve(t *testing.T, g *Guard, req Requirement, target string) *httptest.ResponseRecorder {
	t.Helper()
	h := g.Middleware(req, HTTPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFrom(r.Context())
		assert.True(t, ok)
		assert.Equal(t, StateAllowed, d.State)
		_, _ = w.Write([]byte("dashboard"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestMiddleware(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		rec := serve(t, newGuard(&fakeSession{snap: signedIn()}), Requirement{}, "/admin")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "dashboard", rec.Body.String())
		assert.Equal(t, string(StateAllowed), rec.Header().Get(StateHeader))
	})

	t.Run("checking renders a self-refreshing page", func(t *testing.T) {
		rec := serve(t, newGuard(&fakeSession{snap: freshMarker()}), Requirement{}, "/admin")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Contains(t, rec.Body.String(), `http-equiv="refresh"`)
		assert.NotContains(t, rec.Body.String(), "dashboard")
	})

	t.Run("unauthenticated keeps the requested path", func(t *testing.T) {
		s := &fakeSession{snap: authsession.Snapshot{Status: authsession.StatusUnauthenticated}}
		rec := serve(t, newGuard(s), Requirement{}, "/admin/users?page=2")
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/login?next=%2Fadmin%2Fusers%3Fpage%3D2", rec.Header().Get("Location"))
	})

	t.Run("unauthorized", func(t *testing.T) {
		s := &fakeSession{snap: signedIn()}
		rec := serve(t, newGuard(s), Requirement{Roles: []string{"admin"}}, "/admin/users")
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/unauthorized?from=%2Fadmin%2Fusers", rec.Header().Get("Location"))
	})

	t.Run("panic becomes a login redirect", func(t *testing.T) {
		rec := serve(t, newGuard(&fakeSession{panics: true}), Requirement{}, "/admin")
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, string(StateUnauthenticated), rec.Header().Get(StateHeader))
	})
}

func TestRestoreRaceNeverRedirectsSignedInUser(t *testing.T) {
	fb := fakebackend.New(fakebackend.Options{}, nil)
	_, err := fb.AddUser("Ada", "ada@example.com", "password123", []string{"admin"}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(fb.Handler())
	t.Cleanup(srv.Close)

	store := tokenstore.NewMemory()
	token, err := fb.IssueToken("ada@example.com")
	require.NoError(t, err)
	require.NoError(t, store.SetToken(token, true))
	require.NoError(t, store.SetActiveSession())

	bus := signals.NewBus(time.Minute, nil)
	t.Cleanup(bus.Close)
	client, err := transport.New(transport.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, store, bus, nil)
	require.NoError(t, err)
	boot := csrf.New(client, store, csrf.Options{Backoff: time.Millisecond}, nil)
	client.SetCSRFSource(boot)
	mgr := authsession.New(backend.New(client, backend.Endpoints{}), store,
		authsession.Options{CSRF: boot, Bus: bus, RequestTimeout: 2 * time.Second}, nil)

	release := fb.HoldUser()
	t.Cleanup(release)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	started := make(chan error, 1)
	go func() { started <- mgr.Start(ctx) }()

	require.Eventually(t, mgr.IsLoading, 2*time.Second, 5*time.Millisecond)

	g := New(mgr, Options{}, nil)
	for range 10 {
		assert.Equal(t, StateChecking, g.Evaluate(ctx, Requirement{Roles: []string{"admin"}}).State)
	}

	release()
	require.NoError(t, <-started)
	assert.Equal(t, StateAllowed, g.Evaluate(ctx, Requirement{Roles: []string{"admin"}}).State)
}
