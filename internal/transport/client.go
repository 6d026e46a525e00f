// ABOUTME: JSON HTTP client for the backend with cookie jar, bearer and CSRF handling
// ABOUTME: Raises auth:expired and permission:denied signals for authenticated calls

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/2389/widget-console/internal/metrics"
	"github.com/2389/widget-console/internal/signals"
	"github.com/2389/widget-console/internal/tokenstore"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultCSRFHeader = "X-XSRF-TOKEN"
	DefaultCSRFCookie = "XSRF-TOKEN"

	maxBodyBytes = 1 << 20
)

// CSRFSource fetches a fresh CSRF token. It is satisfied by csrf.Bootstrapper.
type CSRFSource interface {
	InitCSRFToken(ctx context.Context) (string, bool)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	CSRFHeader string
	CSRFCookie string
	UserAgent  string
}

// Client issues JSON requests against the backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    Config
	tokens tokenstore.Store
	bus    *signals.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	csrf    CSRFSource
	metrics *metrics.Metrics
}

// New creates a Client. bus may be nil, in which case no signals are raised.
func New(cfg Config, tokens tokenstore.Store, bus *signals.Bus, logger *slog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CSRFHeader == "" {
		cfg.CSRFHeader = DefaultCSRFHeader
	}
	if cfg.CSRFCookie == "" {
		cfg.CSRFCookie = DefaultCSRFCookie
	}
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Client{
		base:   base,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		cfg:    cfg,
		tokens: tokens,
		bus:    bus,
		logger: logger.With("component", "transport"),
	}, nil
}

// SetCSRFSource installs the fetcher used before mutating calls.
func (c *Client) SetCSRFSource(src CSRFSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrf = src
}

// SetMetrics installs request metrics.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

func (c *Client) csrfSource() CSRFSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.csrf
}

func (c *Client) recorder() *metrics.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Resolve joins path onto the base URL.
func (c *Client) Resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	u := c.BaseURL()
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u
}

// Cookie returns the unescaped value of a cookie the backend set for the
// base URL.
func (c *Client) Cookie(name string) string {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name != name {
			continue
		}
		if v, err := url.QueryUnescape(ck.Value); err == nil {
			return v
		}
		return ck.Value
	}
	return ""
}

type requestOptions struct {
	auth      bool
	bearer    string
	noSignals bool
	noRetry   bool
}

// RequestOption adjusts a single call.
type RequestOption func(*requestOptions)

// Authenticated attaches the stored bearer token and enables signals.
func Authenticated() RequestOption {
	return func(o *requestOptions) { o.auth = true }
}

// WithBearer attaches token instead of the stored one. The call raises no
// signals, since the token may no longer be the session's.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) {
		o.bearer = token
		o.noSignals = true
	}
}

// WithoutSignals suppresses signals for an authenticated call.
func WithoutSignals() RequestOption {
	return func(o *requestOptions) { o.noSignals = true }
}

// withoutCSRFRetry stops the 419 retry; used for the retried attempt itself.
func withoutCSRFRetry() RequestOption {
	return func(o *requestOptions) { o.noRetry = true }
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Do sends body as JSON and decodes a 2xx response into out (when non-nil).
// Non-2xx responses return *StatusError; network failures wrap ErrTransport.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		payload = b
	}

	mutating := isMutating(method)
	src := c.csrfSource()
	if mutating && src != nil && c.currentCSRF() == "" {
		src.InitCSRFToken(ctx)
	}

	status, respBody, bearer, err := c.send(ctx, method, path, payload, o)
	if err != nil {
		return err
	}

	if status == StatusCSRFMismatch && mutating && src != nil && !o.noRetry {
		c.logger.Debug("csrf mismatch, refreshing token and retrying", "method", method, "path", path)
		if _, ok := src.InitCSRFToken(ctx); ok {
			o.noRetry = true
			status, respBody, bearer, err = c.send(ctx, method, path, payload, o)
			if err != nil {
				return err
			}
		}
	}

	if status < 200 || status > 299 {
		msg, fields := parseErrorBody(respBody)
		serr := &StatusError{Method: method, Path: path, Status: status, Message: msg, Fields: fields}
		c.raise(serr, bearer, o)
		return serr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// Get is Do with GET and no body.
func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

// Fetch performs a bare request and returns the response with its body
// drained into memory. It never raises signals or retries.
func (c *Client) Fetch(ctx context.Context, method, path string) (*http.Response, []byte, error) {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return nil, nil, err
	}
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recorder().ObserveRequest(method, path, 0, time.Since(started))
		return nil, nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.recorder().ObserveRequest(method, path, resp.StatusCode, time.Since(started))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s %s: %w", ErrTransport, method, path, err)
	}
	return resp, body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(path).String(), reader)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	return req, nil
}

// send performs one attempt and returns the status, body and the bearer
// token that was attached.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, o requestOptions) (int, []byte, string, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return 0, nil, "", err
	}

	bearer := o.bearer
	if bearer == "" && o.auth {
		bearer, _ = c.tokens.Token()
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if isMutating(method) {
		if tok := c.currentCSRF(); tok != "" {
			req.Header.Set(c.cfg.CSRFHeader, tok)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recorder().ObserveRequest(method, path, 0, time.Since(started))
		c.logger.Debug("backend unreachable", "method", method, "path", path, "error", err)
		return 0, nil, bearer, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(started)
	c.recorder().ObserveRequest(method, path, resp.StatusCode, elapsed)
	if err != nil {
		return 0, nil, bearer, fmt.Errorf("%w: reading %s %s: %w", ErrTransport, method, path, err)
	}

	c.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", elapsed)
	return resp.StatusCode, body, bearer, nil
}

// currentCSRF prefers the stored token and falls back to the jar cookie.
func (c *Client) currentCSRF() string {
	if tok := c.tokens.CSRFToken(); tok != "" {
		return tok
	}
	return c.Cookie(c.cfg.CSRFCookie)
}

func (c *Client) raise(serr *StatusError, bearer string, o requestOptions) {
	if c.bus == nil || !o.auth || o.noSignals {
		return
	}

	var kind signals.Kind
	switch serr.Status {
	case http.StatusUnauthorized, StatusCSRFMismatch:
		kind = signals.AuthExpired
	case http.StatusForbidden:
		kind = signals.PermissionDenied
	default:
		return
	}

	delivered := c.bus.Publish(signals.Signal{
		Kind:    kind,
		Status:  serr.Status,
		Method:  serr.Method,
		Path:    serr.Path,
		Session: signals.Fingerprint(bearer),
	})
	c.recorder().Signal(string(kind), delivered)
}
