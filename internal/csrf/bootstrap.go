// ABOUTME: Fetches the backend's CSRF token from its cookie endpoint and stores it
// ABOUTME: Never fails loudly: errors are logged and reported as ("", false)

// Package csrf bootstraps the CSRF token used on mutating backend calls.
package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/widget-console/internal/metrics"
	"github.com/2389/widget-console/internal/tokenstore"
	"github.com/2389/widget-console/internal/transport"
)

const (
	DefaultAttempts = 2
	DefaultBackoff  = 250 * time.Millisecond

	// HeaderName is the response header some backends use instead of a cookie.
	HeaderName = "X-CSRF-TOKEN"
)

var errNoToken = errors.New("response carried no csrf token")

// Options tunes retries.
type Options struct {
	Path     string
	Attempts int
	Backoff  time.Duration
	Metrics  *metrics.Metrics
}

// Bootstrapper fetches and stores CSRF tokens. Concurrent calls share one
// fetch.
type Bootstrapper struct {
	client *transport.Client
	store  tokenstore.Store
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a Bootstrapper. An empty Options.Path uses the Sanctum default.
func New(client *transport.Client, store tokenstore.Store, opts Options, logger *slog.Logger) *Bootstrapper {
	if opts.Path == "" {
		opts.Path = "/sanctum/csrf-cookie"
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		client: client,
		store:  store,
		opts:   opts,
		logger: logger.With("component", "csrf"),
	}
}

// InitCSRFToken fetches a token, stores it and returns it. It returns
// ("", false) when every attempt failed; callers carry on without one.
func (b *Bootstrapper) InitCSRFToken(ctx context.Context) (string, bool) {
	v, err, _ := b.group.Do("csrf", func() (any, error) {
		return b.fetchWithRetry(ctx)
	})
	if err != nil {
		b.opts.Metrics.CSRFFetch("failed")
		b.logger.Warn("csrf bootstrap failed", "path", b.opts.Path, "error", err)
		return "", false
	}
	b.opts.Metrics.CSRFFetch("ok")
	return v.(string), true
}

func (b *Bootstrapper) fetchWithRetry(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.Attempts; attempt++ {
		tok, err := b.fetch(ctx)
		if err == nil {
			if err := b.store.SetCSRFToken(tok); err != nil {
				b.logger.Warn("storing csrf token", "error", err)
			}
			return tok, nil
		}
		lastErr = err
		b.logger.Debug("csrf fetch attempt failed", "attempt", attempt, "error", err)

		if attempt == b.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.opts.Backoff * time.Duration(attempt)):
		}
	}
	return "", lastErr
}

func (b *Bootstrapper) fetch(ctx context.Context) (string, error) {
	resp, body, err := b.client.Fetch(ctx, http.MethodGet, b.opts.Path)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &transport.StatusError{Method: http.MethodGet, Path: b.opts.Path, Status: resp.StatusCode}
	}

	if tok := resp.Header.Get(HeaderName); tok != "" {
		return tok, nil
	}
	if tok := b.client.Cookie(b.client.Config().CSRFCookie); tok != "" {
		return tok, nil
	}
	var payload struct {
		CSRFToken string `json:"csrf_token"`
		Token     string `json:"token"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.CSRFToken != "" {
			return payload.CSRFToken, nil
		}
		if payload.Token != "" {
			return payload.Token, nil
		}
	}
	return "", errNoToken
}
