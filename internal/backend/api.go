// ABOUTME: Typed backend calls for login, registration, user lookup and password flows
// ABOUTME: Unwraps {data: ...} and {user: ...} envelopes before decoding users

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/transport"
)

// ErrMissingToken is returned when a login or register response carries no token.
var ErrMissingToken = errors.New("response did not include a token")

// Endpoints lists the backend paths.
type Endpoints struct {
	CSRF           string `yaml:"csrf" toml:"csrf"`
	Login          string `yaml:"login" toml:"login"`
	Register       string `yaml:"register" toml:"register"`
	Logout         string `yaml:"logout" toml:"logout"`
	User           string `yaml:"user" toml:"user"`
	Refresh        string `yaml:"refresh" toml:"refresh"`
	ForgotPassword string `yaml:"forgot_password" toml:"forgot_password"`
	ResetPassword  string `yaml:"reset_password" toml:"reset_password"`
	Users          string `yaml:"users" toml:"users"`
}

// DefaultEndpoints returns the Sanctum-style defaults.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		CSRF:           "/sanctum/csrf-cookie",
		Login:          "/api/login",
		Register:       "/api/register",
		Logout:         "/api/logout",
		User:           "/api/user",
		Refresh:        "/api/refresh",
		ForgotPassword: "/api/forgot-password",
		ResetPassword:  "/api/reset-password",
		Users:          "/api/admin/users",
	}
}

// WithDefaults fills empty paths from DefaultEndpoints.
func (e Endpoints) WithDefaults() Endpoints {
	d := DefaultEndpoints()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&e.CSRF, d.CSRF)
	fill(&e.Login, d.Login)
	fill(&e.Register, d.Register)
	fill(&e.Logout, d.Logout)
	fill(&e.User, d.User)
	fill(&e.Refresh, d.Refresh)
	fill(&e.ForgotPassword, d.ForgotPassword)
	fill(&e.ResetPassword, d.ResetPassword)
	fill(&e.Users, d.Users)
	return e
}

// AuthResult is a successful login or registration.
type AuthResult struct {
	Token string
	// User is nil when the backend returned only a token.
	User *identity.User
}

// API issues typed calls through a transport client.
type API struct {
	client    *transport.Client
	endpoints Endpoints
}

// New creates an API over client.
func New(client *transport.Client, endpoints Endpoints) *API {
	return &API{client: client, endpoints: endpoints.WithDefaults()}
}

// Client returns the underlying transport.
func (a *API) Client() *transport.Client {
	return a.client
}

// Endpoints returns the effective paths.
func (a *API) Endpoints() Endpoints {
	return a.endpoints
}

// Login exchanges credentials for a token.
func (a *API) Login(ctx context.Context, creds identity.Credentials) (*AuthResult, error) {
	return a.authenticate(ctx, a.endpoints.Login, creds)
}

// Register creates an account and returns its token.
func (a *API) Register(ctx context.Context, reg identity.Registration) (*AuthResult, error) {
	return a.authenticate(ctx, a.endpoints.Register, reg)
}

func (a *API) authenticate(ctx context.Context, path string, body any) (*AuthResult, error) {
	var raw json.RawMessage
	if err := a.client.Post(ctx, path, body, &raw); err != nil {
		return nil, err
	}
	res, err := decodeAuthResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Logout revokes token on the backend. The call raises no signals.
func (a *API) Logout(ctx context.Context, token string) error {
	return a.client.Post(ctx, a.endpoints.Logout, nil, nil, transport.WithBearer(token))
}

// CurrentUser fetches the user for the stored token.
func (a *API) CurrentUser(ctx context.Context) (*identity.User, error) {
	return a.currentUser(ctx, transport.Authenticated())
}

// CurrentUserWith fetches the user for token, which need not be stored yet.
// The call raises no signals.
func (a *API) CurrentUserWith(ctx context.Context, token string) (*identity.User, error) {
	return a.currentUser(ctx, transport.WithBearer(token))
}

func (a *API) currentUser(ctx context.Context, opt transport.RequestOption) (*identity.User, error) {
	var raw json.RawMessage
	if err := a.client.Get(ctx, a.endpoints.User, &raw, opt); err != nil {
		return nil, err
	}
	u, err := decodeUser(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.endpoints.User, err)
	}
	return u, nil
}

// RefreshToken asks the backend for a fresh token for the current session.
func (a *API) RefreshToken(ctx context.Context) (string, error) {
	var raw json.RawMessage
	if err := a.client.Post(ctx, a.endpoints.Refresh, nil, &raw, transport.Authenticated()); err != nil {
		return "", err
	}
	tok := tokenFrom(unwrapData(raw))
	if tok == "" {
		return "", fmt.Errorf("%s: %w", a.endpoints.Refresh, ErrMissingToken)
	}
	return tok, nil
}

// ListUsers fetches the backend's user directory. A 403 raises a
// permission-denied signal like any other authenticated call.
func (a *API) ListUsers(ctx context.Context) ([]identity.User, error) {
	var out struct {
		Data []identity.User `json:"data"`
	}
	if err := a.client.Get(ctx, a.endpoints.Users, &out, transport.Authenticated()); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ForgotPassword starts a password reset and returns the backend's message.
func (a *API) ForgotPassword(ctx context.Context, email string) (string, error) {
	return a.message(ctx, a.endpoints.ForgotPassword, map[string]string{"email": email})
}

// ResetPassword completes a password reset and returns the backend's message.
func (a *API) ResetPassword(ctx context.Context, reset identity.PasswordReset) (string, error) {
	return a.message(ctx, a.endpoints.ResetPassword, reset)
}

func (a *API) message(ctx context.Context, path string, body any) (string, error) {
	var out struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := a.client.Post(ctx, path, body, &out); err != nil {
		return "", err
	}
	if out.Message != "" {
		return out.Message, nil
	}
	return out.Status, nil
}

// unwrapData strips a {"data": {...}} envelope.
func unwrapData(raw json.RawMessage) json.RawMessage {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	if inner, ok := env["data"]; ok && isObject(inner) {
		return inner
	}
	return raw
}

// decodeUser accepts a bare user, {"data": user} or {"user": user}.
func decodeUser(raw json.RawMessage) (*identity.User, error) {
	raw = unwrapData(raw)
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	if _, hasID := env["id"]; !hasID {
		if inner, ok := env["user"]; ok && isObject(inner) {
			raw = inner
		}
	}

	var u identity.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func decodeAuthResult(raw json.RawMessage) (*AuthResult, error) {
	raw = unwrapData(raw)
	tok := tokenFrom(raw)
	if tok == "" {
		return nil, ErrMissingToken
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}
	res := &AuthResult{Token: tok}
	if inner, ok := env["user"]; ok && isObject(inner) {
		u, err := decodeUser(inner)
		if err != nil {
			return nil, err
		}
		res.User = u
	}
	return res, nil
}

// tokenFrom reads token, access_token or plainTextToken.
func tokenFrom(raw json.RawMessage) string {
	var body struct {
		Token          string `json:"token"`
		AccessToken    string `json:"access_token"`
		PlainTextToken string `json:"plainTextToken"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, tok := range []string{body.Token, body.AccessToken, body.PlainTextToken} {
		if tok != "" {
			return tok
		}
	}
	return ""
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
