// ABOUTME: Web console server wiring chi routes over the shared auth console
// ABOUTME: Provides form CSRF cookies, flash draining and request logging

package webconsole

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/console"
	"github.com/2389/widget-console/internal/guard"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/sessionclock"
)

const (
	// CSRFCookieName is the name of the form CSRF cookie
	CSRFCookieName = "console_csrf"

	// CSRFHeader carries the token on JSON requests
	CSRFHeader = "X-CSRF-Token"

	csrfFormField = "csrf_token"
)

type contextKey string

const csrfContextKey contextKey = "csrf_token"

// Options configures the web console.
type Options struct {
	// CookieSecure forces the Secure flag on cookies even without TLS.
	CookieSecure bool
	// HelpDir serves help pages from disk instead of the embedded set.
	HelpDir string
	// MetricsPath mounts the metrics handler when non-empty.
	MetricsPath string
}

// Server handles web console routes.
type Server struct {
	console *console.Console
	manager *authsession.Manager
	clock   *sessionclock.Clock
	flashes *notify.Queue
	opts    Options
	logger  *slog.Logger
	pages   map[string]*template.Template
	help    fs.FS
	router  chi.Router
}

// New creates the web console. flashes may be nil.
func New(c *console.Console, flashes *notify.Queue, opts Options, logger *slog.Logger) (*Server, error) {
	if c == nil {
		return nil, errors.New("console is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	var help fs.FS
	if opts.HelpDir != "" {
		help = os.DirFS(opts.HelpDir)
	} else {
		help, err = fs.Sub(helpFS, "docs/help")
		if err != nil {
			return nil, fmt.Errorf("loading help pages: %w", err)
		}
	}

	s := &Server{
		console: c,
		manager: c.Manager(),
		clock:   c.Clock(),
		flashes: flashes,
		opts:    opts,
		logger:  logger.With("component", "webconsole"),
		pages:   pages,
		help:    help,
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)
	r.Get("/register", s.handleRegisterPage)
	r.Post("/register", s.handleRegister)
	r.Get("/forgot-password", s.handleForgotPasswordPage)
	r.Post("/forgot-password", s.handleForgotPassword)
	r.Get("/reset-password", s.handleResetPasswordPage)
	r.Post("/reset-password", s.handleResetPassword)
	r.Post("/logout", s.handleLogout)
	r.Get("/unauthorized", s.handleUnauthorized)

	r.Get("/help", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/help/getting-started", http.StatusSeeOther)
	})
	r.Get("/help/{topic}", s.handleHelp)

	r.Route("/session", func(r chi.Router) {
		r.Get("/status", s.handleSessionStatus)
		r.Post("/extend", s.handleSessionExtend)
		r.Post("/logout", s.handleSessionLogout)
	})

	if s.opts.MetricsPath != "" {
		r.Handle(s.opts.MetricsPath, s.console.Metrics().Handler())
	}

	// Protected routes, one guard each
	s.protect(r, "/", guard.Requirement{}, s.handleDashboard)
	s.protect(r, "/admin/users", usersSection.Requirement, s.handleUsers)
	for _, sec := range sections {
		if sec.Path == usersSection.Path {
			continue
		}
		s.protect(r, sec.Path, sec.Requirement, s.sectionHandler(sec))
	}

	return r
}

func (s *Server) protect(r chi.Router, pattern string, req guard.Requirement, h http.HandlerFunc) {
	mw := s.console.NewGuard().Middleware(req, guard.HTTPOptions{Logger: s.logger})
	r.With(mw).Get(pattern, h)
}

// requestLogger logs each request at debug, server errors at warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// getCSRFToken retrieves the CSRF token from the request context
func getCSRFToken(r *http.Request) string {
	token, _ := r.Context().Value(csrfContextKey).(string)
	return token
}

// ensureCSRFToken generates a CSRF token if not present and adds it to context
func (s *Server) ensureCSRFToken(w http.ResponseWriter, r *http.Request) (*http.Request, string) {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		ctx := context.WithValue(r.Context(), csrfContextKey, cookie.Value)
		return r.WithContext(ctx), cookie.Value
	}

	token, err := generateSecureToken(32)
	if err != nil {
		s.logger.Error("failed to generate CSRF token", "error", err)
		token = ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})

	ctx := context.WithValue(r.Context(), csrfContextKey, token)
	return r.WithContext(ctx), token
}

// validateCSRF checks the CSRF token from the form or header against the cookie
func (s *Server) validateCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	token := r.FormValue(csrfFormField)
	if token == "" {
		token = r.Header.Get(CSRFHeader)
	}
	return token != "" && token == cookie.Value
}

func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// drainFlashes returns pending notices for display.
func (s *Server) drainFlashes() []notify.Notification {
	if s.flashes == nil {
		return nil
	}
	return s.flashes.Drain()
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
