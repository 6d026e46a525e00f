// ABOUTME: Route guard state machine over the auth session and permission checks
// ABOUTME: Includes the reload grace window with a paced, bounded refresh budget

package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/metrics"
)

// State is a guard decision.
type State string

const (
	StateChecking        State = "checking"
	StateUnauthenticated State = "denied-unauthenticated"
	StateUnauthorized    State = "denied-unauthorized"
	StateAllowed         State = "allowed"
)

const (
	DefaultGraceWindow  = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRefreshEvery = time.Second
)

// Session is what the guard needs from the auth manager.
type Session interface {
	Snapshot() authsession.Snapshot
	HasRole(roles ...string) bool
	HasPermission(perms ...string) bool
	RefreshAuth(ctx context.Context) error
}

// Requirement lists what a view needs. Each list is any-of; when both are
// set both must be satisfied. An empty Requirement only needs a user.
type Requirement struct {
	Roles       []string
	Permissions []string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	State State
	// Attempt counts grace-window evaluations, zero outside the window.
	Attempt int
}

// Options configures a Guard.
type Options struct {
	GraceWindow  time.Duration
	MaxAttempts  int
	RefreshEvery time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
}

// Guard evaluates one protected route.
type Guard struct {
	session Session
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	attempts int
}

// New creates a Guard.
func New(session Session, opts Options, logger *slog.Logger) *Guard {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = DefaultRefreshEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		session: session,
		opts:    opts,
		logger:  logger.With("component", "guard"),
		limiter: rate.NewLimiter(rate.Every(opts.RefreshEvery), 1),
	}
}

// Evaluate decides what the route should show right now.
func (g *Guard) Evaluate(ctx context.Context, req Requirement) Decision {
	d := g.evaluate(ctx, req)
	g.opts.Metrics.GuardDecision(string(d.State))
	return d
}

func (g *Guard) evaluate(ctx context.Context, req Requirement) Decision {
	snap := g.session.Snapshot()

	if snap.Loading || snap.Status == authsession.StatusAuthenticating {
		return Decision{State: StateChecking}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if snap.Authenticated() {
		g.attempts = 0
		if !g.satisfies(req) {
			return Decision{State: StateUnauthorized}
		}
		return Decision{State: StateAllowed}
	}

	if g.inGraceWindow(snap) {
		if g.attempts < g.opts.MaxAttempts {
			g.attempts++
			if g.limiter.Allow() {
				go g.refresh(context.WithoutCancel(ctx))
			}
			g.logger.Debug("session marker is fresh, waiting for verification", "attempt", g.attempts)
			return Decision{State: StateChecking, Attempt: g.attempts}
		}
		g.logger.Info("session verification budget exhausted", "attempts", g.attempts)
	} else {
		g.attempts = 0
	}
	return Decision{State: StateUnauthenticated}
}

func (g *Guard) inGraceWindow(snap authsession.Snapshot) bool {
	if !snap.HasActiveSession || snap.ActiveSince.IsZero() {
		return false
	}
	return g.opts.Now().Sub(snap.ActiveSince) <= g.opts.GraceWindow
}

func (g *Guard) satisfies(req Requirement) bool {
	if len(req.Roles) > 0 && !g.session.HasRole(req.Roles...) {
		return false
	}
	if len(req.Permissions) > 0 && !g.session.HasPermission(req.Permissions...) {
		return false
	}
	return true
}

func (g *Guard) refresh(ctx context.Context) {
	if err := g.session.RefreshAuth(ctx); err != nil {
		g.logger.Debug("refresh during grace window failed", "error", err)
	}
}

// Attempts returns the grace-window evaluations used so far.
func (g *Guard) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}
