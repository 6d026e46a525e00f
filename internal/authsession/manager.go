// ABOUTME: Auth session state machine: login, logout, register, refresh, restore
// ABOUTME: Generation-guarded writes and single-flight refresh keep late results from winning

package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/widget-console/internal/backend"
	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/metrics"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/permission"
	"github.com/2389/widget-console/internal/sessionclock"
	"github.com/2389/widget-console/internal/signals"
	"github.com/2389/widget-console/internal/tokenstore"
	"github.com/2389/widget-console/internal/transport"
)

// Status is the manager's auth state.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
	StatusError           Status = "error"
)

const (
	DefaultRequestTimeout = 15 * time.Second

	MessageSessionExpired = "Your session has expired. Please sign in again."
	MessageLoggedOut      = "You have been signed out."
)

// ErrNotAuthenticated is returned by operations that need a session.
var ErrNotAuthenticated = errors.New("not authenticated")

// Options wires the manager's collaborators. Everything is optional.
type Options struct {
	CSRF           transport.CSRFSource
	Resolver       *permission.Resolver
	Bus            *signals.Bus
	Notifier       notify.Notifier
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// Snapshot is a consistent copy of the manager's state.
type Snapshot struct {
	Status           Status
	User             *identity.User
	Loading          bool
	LastError        error
	HasToken         bool
	HasActiveSession bool
	ActiveSince      time.Time
}

// Authenticated reports whether the snapshot has a confirmed user.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.User != nil
}

// Manager is the single owner of auth state. It is safe for concurrent use.
type Manager struct {
	api    *backend.API
	store  tokenstore.Store
	opts   Options
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.RWMutex
	status     Status
	user       *identity.User
	lastErr    error
	generation uint64
	refreshing int
}

// New creates a Manager in the unauthenticated state.
func New(api *backend.API, store tokenstore.Store, opts Options, logger *slog.Logger) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = permission.NewResolver(nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:    api,
		store:  store,
		opts:   opts,
		logger: logger.With("component", "authsession"),
		status: StatusUnauthenticated,
	}
}

// Resolver returns the permission resolver used by HasPermission.
func (m *Manager) Resolver() *permission.Resolver {
	return m.opts.Resolver
}

// Store returns the token store.
func (m *Manager) Store() tokenstore.Store {
	return m.store
}

// Token returns the stored bearer token.
func (m *Manager) Token() (string, bool) {
	return m.store.Token()
}

// Start runs the restore sequence, then handles bus signals in the
// background until ctx is done. The returned error is a transient restore
// failure; the manager keeps running either way.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Bus != nil {
		ch, _ := m.opts.Bus.Subscribe(ctx, signals.AuthExpired, signals.PermissionDenied)
		go m.listen(ctx, ch)
	}

	if err := m.store.TouchSession(); err != nil {
		m.logger.Warn("stamping session marker", "error", err)
	}
	if m.opts.CSRF != nil {
		m.opts.CSRF.InitCSRFToken(ctx)
	}
	if !m.store.HasActiveSession() {
		m.clearUserIfInactive()
		return nil
	}
	return m.refreshShared(ctx, false)
}

func (m *Manager) listen(ctx context.Context, ch <-chan signals.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.HandleSignal(ctx, sig)
		}
	}
}

// HandleSignal reacts to one transport signal.
func (m *Manager) HandleSignal(ctx context.Context, sig signals.Signal) {
	switch sig.Kind {
	case signals.AuthExpired:
		m.logger.Info("backend rejected session", "status", sig.Status, "path", sig.Path)
		m.expire(ctx, sig.Session)
	case signals.PermissionDenied:
		m.logger.Info("backend denied request", "method", sig.Method, "path", sig.Path)
		notify.WithTitle(m.opts.Notifier, notify.LevelWarning, "Permission denied",
			"You do not have permission to perform this action.")
	}
}

// Login authenticates with email and password. Rejected credentials return
// (false, nil) with details in LastError; only unexpected failures return
// an error.
func (m *Manager) Login(ctx context.Context, email, password string, remember bool) (bool, error) {
	gen := m.begin()
	res, err := m.api.Login(ctx, identity.Credentials{Email: email, Password: password, Remember: remember})
	return m.finishAuth(ctx, gen, "login", res, err, remember)
}

// Register creates an account and signs it in for this session only.
func (m *Manager) Register(ctx context.Context, reg identity.Registration) (bool, error) {
	gen := m.begin()
	res, err := m.api.Register(ctx, reg)
	return m.finishAuth(ctx, gen, "register", res, err, false)
}

// begin moves to authenticating and returns the new generation.
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.lastErr = nil
	m.setStatusLocked(StatusAuthenticating)
	return m.generation
}

func (m *Manager) finishAuth(ctx context.Context, gen uint64, op string, res *backend.AuthResult, err error, persist bool) (bool, error) {
	if err != nil {
		return m.reject(gen, op, err)
	}

	user := res.User
	if !user.Valid() {
		// Token only: look the user up with it before storing it.
		user, err = m.api.CurrentUserWith(ctx, res.Token)
		if err == nil && !user.Valid() {
			err = fmt.Errorf("%s: backend returned a user without an id", op)
		}
		if err != nil {
			return m.reject(gen, op, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		m.logger.Debug("discarding superseded auth result", "op", op)
		return false, nil
	}
	if err := m.store.SetToken(res.Token, persist); err != nil {
		m.logger.Warn("storing token", "error", err)
	}
	if err := m.store.SetActiveSession(); err != nil {
		m.logger.Warn("marking session active", "error", err)
	}
	m.user = user
	m.lastErr = nil
	m.setStatusLocked(StatusAuthenticated)
	m.logger.Info("signed in", "op", op, "user_id", user.ID, "remember", persist)
	return true, nil
}

// reject records a failed login or registration. Backend rejections (4xx)
// are returned as (false, nil); anything else is an error.
func (m *Manager) reject(gen uint64, op string, err error) (bool, error) {
	m.mu.Lock()
	if gen == m.generation {
		m.lastErr = err
		m.setStatusLocked(StatusError)
	}
	m.mu.Unlock()

	status := transport.StatusOf(err)
	if status >= 400 && status < 500 {
		m.logger.Info("credentials rejected", "op", op, "status", status)
		return false, nil
	}
	m.logger.Warn("auth request failed", "op", op, "error", err)
	return false, fmt.Errorf("%s: %w", op, err)
}

// Logout clears the local session, then tells the backend. It never fails
// and is safe to call when already logged out.
func (m *Manager) Logout(ctx context.Context) {
	token := m.endSession()
	m.revoke(ctx, token)
}

// ForceLogout ends the session and notifies the user once. Calls after the
// session is already gone do nothing.
func (m *Manager) ForceLogout(ctx context.Context, reason string) {
	m.mu.Lock()
	token, _ := m.store.Token()
	if token == "" && m.user == nil {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	m.mu.Unlock()

	m.announceEnd(reason)
	m.revoke(ctx, token)
}

// expire ends the session a rejected request belonged to. fingerprint
// identifies that session's token; signals from older sessions are ignored.
func (m *Manager) expire(ctx context.Context, fingerprint string) {
	m.mu.Lock()
	token, _ := m.store.Token()
	if token == "" && m.user == nil {
		m.mu.Unlock()
		return
	}
	if fingerprint != "" && signals.Fingerprint(token) != fingerprint {
		m.mu.Unlock()
		m.logger.Debug("ignoring expiry for a previous session")
		return
	}
	m.clearLocked()
	m.mu.Unlock()

	m.announceEnd(sessionclock.ReasonExpired)
}

func (m *Manager) announceEnd(reason string) {
	if reason == sessionclock.ReasonExpired {
		notify.WithTitle(m.opts.Notifier, notify.LevelError, "Session expired", MessageSessionExpired)
		return
	}
	notify.Info(m.opts.Notifier, MessageLoggedOut)
}

func (m *Manager) endSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, _ := m.store.Token()
	m.clearLocked()
	return token
}

// clearLocked drops the session and invalidates in-flight work.
func (m *Manager) clearLocked() {
	m.generation++
	if err := m.store.ClearSession(); err != nil {
		m.logger.Warn("clearing session storage", "error", err)
	}
	m.user = nil
	m.lastErr = nil
	m.setStatusLocked(StatusUnauthenticated)
}

// revoke tells the backend the token is done with. Failures are logged.
func (m *Manager) revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RequestTimeout)
	defer cancel()
	if err := m.api.Logout(ctx, token); err != nil {
		m.logger.Debug("backend logout failed", "error", err)
	}
}

// RefreshAuth re-validates the stored session. Without a session marker it
// clears the user and returns without a network call. Concurrent callers
// share one backend request. It returns an error only for transient
// failures, in which case the token is kept and the user is cleared.
func (m *Manager) RefreshAuth(ctx context.Context) error {
	if !m.store.HasActiveSession() {
		m.clearUserIfInactive()
		return nil
	}
	return m.refreshShared(ctx, true)
}

func (m *Manager) clearUserIfInactive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	if m.status != StatusAuthenticating {
		m.setStatusLocked(StatusUnauthenticated)
	}
}

func (m *Manager) refreshShared(ctx context.Context, initCSRF bool) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		// Shared work must not die with whichever caller started it.
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RequestTimeout)
		defer cancel()
		return nil, m.refresh(workCtx, initCSRF)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) refresh(ctx context.Context, initCSRF bool) error {
	m.mu.Lock()
	gen := m.generation
	m.refreshing++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing--
		m.mu.Unlock()
	}()

	token, _ := m.store.Token()
	if err := m.store.TouchSession(); err != nil {
		m.logger.Warn("stamping session marker", "error", err)
	}
	if initCSRF && m.opts.CSRF != nil {
		m.opts.CSRF.InitCSRFToken(ctx)
	}

	user, err := m.api.CurrentUser(ctx)

	switch {
	case err == nil && user.Valid():
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			m.opts.Metrics.Refresh("superseded")
			return nil
		}
		if err := m.store.SetActiveSession(); err != nil {
			m.logger.Warn("marking session active", "error", err)
		}
		m.user = user
		m.lastErr = nil
		m.setStatusLocked(StatusAuthenticated)
		m.opts.Metrics.Refresh("ok")
		return nil

	case transport.IsUnauthenticated(err):
		if m.current(gen) {
			m.opts.Metrics.Refresh("expired")
			m.expire(ctx, signals.Fingerprint(token))
		}
		return nil

	case err == nil:
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen == m.generation {
			m.logger.Warn("backend returned a user without an id, clearing session")
			m.clearLocked()
			m.opts.Metrics.Refresh("invalid")
		}
		return nil

	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			return nil
		}
		m.user = nil
		m.lastErr = err
		m.setStatusLocked(StatusError)
		m.opts.Metrics.Refresh("failed")
		m.logger.Warn("refreshing session failed, keeping token", "error", err)
		return fmt.Errorf("refreshing session: %w", err)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gen == m.generation
}

// ExtendSession exchanges the token for a fresh one. Backends without a
// refresh endpoint fall back to RefreshAuth.
func (m *Manager) ExtendSession(ctx context.Context) error {
	token, ok := m.store.Token()
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()

	fresh, err := m.api.RefreshToken(ctx)
	if transport.IsNotFound(err) {
		m.logger.Debug("backend has no refresh endpoint, re-validating instead")
		return m.RefreshAuth(ctx)
	}
	if err != nil {
		return fmt.Errorf("extending session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := m.store.Token()
	if gen != m.generation || current != token {
		return ErrNotAuthenticated
	}
	if err := m.store.SetToken(fresh, m.store.Persistent()); err != nil {
		return fmt.Errorf("storing refreshed token: %w", err)
	}
	if err := m.store.TouchSession(); err != nil {
		m.logger.Warn("stamping session marker", "error", err)
	}
	m.logger.Info("session extended")
	return nil
}

// UpdateUser shallow-merges p into the current user, creating one if none
// exists.
func (m *Manager) UpdateUser(p identity.Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = identity.Merge(m.user, p)
}

// ForgotPassword asks the backend to send a reset link.
func (m *Manager) ForgotPassword(ctx context.Context, email string) (string, error) {
	msg, err := m.api.ForgotPassword(ctx, email)
	return m.passwordResult(msg, err, "We have emailed your password reset link.")
}

// ResetPassword completes a reset with the emailed token.
func (m *Manager) ResetPassword(ctx context.Context, reset identity.PasswordReset) (string, error) {
	msg, err := m.api.ResetPassword(ctx, reset)
	return m.passwordResult(msg, err, "Your password has been reset.")
}

func (m *Manager) passwordResult(msg string, err error, fallback string) (string, error) {
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()

		var se *transport.StatusError
		if errors.As(err, &se) && se.Message != "" {
			notify.Error(m.opts.Notifier, se.Message)
		} else {
			notify.Error(m.opts.Notifier, "Something went wrong. Please try again.")
		}
		return "", err
	}
	if msg == "" {
		msg = fallback
	}
	notify.Success(m.opts.Notifier, msg)
	return msg, nil
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *identity.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Clone()
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsLoading reports whether an auth operation is in flight.
func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status == StatusAuthenticating || m.refreshing > 0
}

// IsAuthenticated reports whether a confirmed user is present.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status == StatusAuthenticated && m.user != nil
}

// LastError returns the most recent rejection or failure.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// HasRole reports whether the user holds any of roles.
func (m *Manager) HasRole(roles ...string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Resolver.HasRole(m.user, roles...)
}

// HasPermission reports whether the user holds any of perms.
func (m *Manager) HasPermission(perms ...string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Resolver.HasPermission(m.user, perms...)
}

// Snapshot returns a consistent copy of the state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, hasToken := m.store.Token()
	return Snapshot{
		Status:           m.status,
		User:             m.user.Clone(),
		Loading:          m.status == StatusAuthenticating || m.refreshing > 0,
		LastError:        m.lastErr,
		HasToken:         hasToken,
		HasActiveSession: m.store.HasActiveSession(),
		ActiveSince:      m.store.ActiveSince(),
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.opts.Metrics.Transition(string(s))
}
