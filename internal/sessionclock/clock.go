// ABOUTME: Polls token expiry, drives the expiration warning and forces logout once
// ABOUTME: Listeners are notified whenever the derived countdown state changes

package sessionclock

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/widget-console/internal/metrics"
	"github.com/2389/widget-console/internal/signals"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultWarningThreshold = 300 * time.Second

	// ReasonExpired is passed to ForceLogout when the token runs out.
	ReasonExpired = "session expired"
	// ReasonUserLogout is passed when the user ends the session from the warning.
	ReasonUserLogout = "logged out"
)

// TokenSource yields the current session token.
type TokenSource interface {
	Token() (string, bool)
}

// Controller acts on the session. It is satisfied by authsession.Manager.
type Controller interface {
	ExtendSession(ctx context.Context) error
	ForceLogout(ctx context.Context, reason string)
}

// State is the derived countdown state. It is never persisted.
type State struct {
	ExpiryKnown    bool
	ExpiresAt      time.Time
	SecondsLeft    int
	WarningVisible bool
	Expired        bool
}

func (s State) equal(o State) bool {
	return s.ExpiryKnown == o.ExpiryKnown &&
		s.ExpiresAt.Equal(o.ExpiresAt) &&
		s.SecondsLeft == o.SecondsLeft &&
		s.WarningVisible == o.WarningVisible &&
		s.Expired == o.Expired
}

// Options configures a Clock.
type Options struct {
	PollInterval     time.Duration
	WarningThreshold time.Duration
	Now              func() time.Time
	Metrics          *metrics.Metrics
}

// Clock watches the session token's expiry.
type Clock struct {
	tokens TokenSource
	ctrl   Controller
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	firedFor  string // fingerprint of the token a forced logout already ran for
	warnedBad string // fingerprint of a malformed token already logged
	listeners map[string]func(State)
}

// New creates a Clock.
func New(tokens TokenSource, ctrl Controller, opts Options, logger *slog.Logger) *Clock {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = DefaultWarningThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		tokens:    tokens,
		ctrl:      ctrl,
		opts:      opts,
		logger:    logger.With("component", "sessionclock"),
		listeners: make(map[string]func(State)),
	}
}

// OnChange registers fn for state changes and returns a function that
// removes it. fn is called without the clock's lock held.
func (c *Clock) OnChange(fn func(State)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// State returns the last computed state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Poll recomputes the state from the current token and forces logout when
// the token has expired.
func (c *Clock) Poll(ctx context.Context) State {
	token, _ := c.tokens.Token()
	fp := signals.Fingerprint(token)
	now := c.opts.Now()

	next := State{}
	if exp, ok := DecodeExpiry(token); ok {
		left := exp.Sub(now)
		next = State{ExpiryKnown: true, ExpiresAt: exp}
		switch {
		case left <= 0:
			next.Expired = true
		case left <= c.opts.WarningThreshold:
			next.WarningVisible = true
			next.SecondsLeft = secondsCeil(left)
		default:
			next.SecondsLeft = secondsCeil(left)
		}
	} else if LooksLikeJWT(token) {
		c.mu.Lock()
		if c.warnedBad != fp {
			c.warnedBad = fp
			c.logger.Warn("session token looks like a JWT but has no readable exp; expiry unknown")
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	fire := next.Expired && c.firedFor != fp
	if fire {
		c.firedFor = fp
	}
	c.mu.Unlock()

	c.opts.Metrics.SessionRemaining(time.Duration(next.SecondsLeft) * time.Second)
	c.set(next)

	if fire {
		c.logger.Info("session token expired, forcing logout", "expired_at", next.ExpiresAt)
		c.opts.Metrics.ForcedLogout()
		c.ctrl.ForceLogout(ctx, ReasonExpired)
	}
	return next
}

// Countdown advances the visible countdown by one second. When it reaches
// zero the clock polls, which forces logout if the token really expired.
func (c *Clock) Countdown(ctx context.Context) State {
	c.mu.Lock()
	if !c.state.WarningVisible {
		s := c.state
		c.mu.Unlock()
		return s
	}
	next := c.state
	next.SecondsLeft--
	c.mu.Unlock()

	if next.SecondsLeft <= 0 {
		return c.Poll(ctx)
	}
	c.set(next)
	return next
}

// Extend refreshes the session and hides the warning on success. The next
// poll recomputes the state from whatever token the refresh left behind.
func (c *Clock) Extend(ctx context.Context) error {
	if err := c.ctrl.ExtendSession(ctx); err != nil {
		return fmt.Errorf("extending session: %w", err)
	}
	c.mu.Lock()
	next := c.state
	c.mu.Unlock()
	next.WarningVisible = false
	c.set(next)
	return nil
}

// Logout ends the session immediately.
func (c *Clock) Logout(ctx context.Context) {
	c.set(State{})
	c.ctrl.ForceLogout(ctx, ReasonUserLogout)
}

// Run polls and counts down until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			c.Poll(ctx)
		case <-tick.C:
			c.Countdown(ctx)
		}
	}
}

func (c *Clock) set(next State) {
	c.mu.Lock()
	if c.state.equal(next) {
		c.mu.Unlock()
		return
	}
	c.state = next
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func secondsCeil(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
