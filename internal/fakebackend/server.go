// ABOUTME: In-memory fake of the admin backend: accounts, tokens, CSRF and knobs
// ABOUTME: Tests drive it through Handler() and inspect it with Calls() and friends

package fakebackend

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RoleShape selects how roles are rendered in user payloads.
type RoleShape string

const (
	RolesAsStrings RoleShape = "strings"
	RolesAsObjects RoleShape = "objects"
	RolesAsMap     RoleShape = "map"
)

// Envelope selects how /api/user wraps the user.
type Envelope string

const (
	EnvelopeNone Envelope = ""
	EnvelopeData Envelope = "data"
	EnvelopeUser Envelope = "user"
)

// ErrEmailTaken is returned by AddUser for duplicate addresses.
var ErrEmailTaken = errors.New("email already registered")

// Options configures the fake.
type Options struct {
	Tokens          TokenKind
	TokenTTL        time.Duration
	Secret          []byte
	RoleShape       RoleShape
	OmitPermissions bool
	Envelope        Envelope
	DisableRefresh  bool
	// SkipCSRF accepts mutating requests without a valid XSRF header.
	SkipCSRF   bool
	BcryptCost int
	Now        func() time.Time
}

// Account is a registered user.
type Account struct {
	ID           int
	Name         string
	Email        string
	Roles        []string
	Permissions  []string
	passwordHash []byte
}

// Server is the fake backend.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	accounts  map[string]*Account // by lower-cased email
	byID      map[string]*Account
	tokens    map[string]tokenRecord
	csrf      map[string]struct{}
	resets    map[string]string // email -> reset token
	calls     map[string]int
	nextID    int
	tokenSeq  int
	userGate  chan struct{}
	userDelay time.Duration
}

// New creates an empty fake backend.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.Tokens == "" {
		opts.Tokens = TokenOpaque
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("fake-backend-secret")
	}
	if opts.RoleShape == "" {
		opts.RoleShape = RolesAsStrings
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		logger:   logger.With("component", "fakebackend"),
		accounts: make(map[string]*Account),
		byID:     make(map[string]*Account),
		tokens:   make(map[string]tokenRecord),
		csrf:     make(map[string]struct{}),
		resets:   make(map[string]string),
		calls:    make(map[string]int),
	}
}

// AddUser registers an account.
func (s *Server) AddUser(name, email, password string, roles, permissions []string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(name, email, password, roles, permissions)
}

func (s *Server) addUserLocked(name, email, password string, roles, permissions []string) (*Account, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if _, exists := s.accounts[key]; exists {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	s.nextID++
	acct := &Account{
		ID:           s.nextID,
		Name:         name,
		Email:        email,
		Roles:        append([]string(nil), roles...),
		Permissions:  append([]string(nil), permissions...),
		passwordHash: hash,
	}
	s.accounts[key] = acct
	s.byID[strconv.Itoa(acct.ID)] = acct
	return acct, nil
}

// SetPermissions replaces an account's permissions.
func (s *Server) SetPermissions(email string, permissions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct := s.accounts[strings.ToLower(email)]; acct != nil {
		acct.Permissions = append([]string(nil), permissions...)
	}
}

// IssueToken creates a token for an existing account, bypassing login.
func (s *Server) IssueToken(email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[strings.ToLower(email)]
	if acct == nil {
		return "", fmt.Errorf("no account for %s", email)
	}
	return s.issueLocked(strconv.Itoa(acct.ID))
}

// Revoke invalidates one token.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// RevokeAll invalidates every token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}

// TokenValid reports whether token is live.
func (s *Server) TokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.verifyLocked(token)
	return err == nil
}

// ResetToken returns the pending password reset token for email.
func (s *Server) ResetToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[strings.ToLower(email)]
}

// Calls returns how many requests hit "METHOD /path".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// HoldUser makes GET /api/user block until the returned release function is
// called. Requests already waiting are released too.
func (s *Server) HoldUser() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.userGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.userGate == gate {
				s.userGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetUserDelay delays every GET /api/user response.
func (s *Server) SetUserDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userDelay = d
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sanctum/csrf-cookie", s.handleCSRFCookie)
	mux.HandleFunc("POST /api/login", s.csrfProtected(s.handleLogin))
	mux.HandleFunc("POST /api/register", s.csrfProtected(s.handleRegister))
	mux.HandleFunc("POST /api/logout", s.csrfProtected(s.authenticated(s.handleLogout)))
	mux.HandleFunc("GET /api/user", s.authenticated(s.handleUser))
	mux.HandleFunc("POST /api/refresh", s.csrfProtected(s.authenticated(s.handleRefresh)))
	mux.HandleFunc("POST /api/forgot-password", s.csrfProtected(s.handleForgotPassword))
	mux.HandleFunc("POST /api/reset-password", s.csrfProtected(s.handleResetPassword))
	mux.HandleFunc("GET /api/admin/users", s.authenticated(s.handleListUsers))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}
