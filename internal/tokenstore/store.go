// ABOUTME: Store interface for session token, CSRF token, and session-active marker
// ABOUTME: Includes the in-memory implementation used by tests and ephemeral consoles

package tokenstore

import (
	"sync"
	"time"
)

// Store persists session credentials. Implementations are safe for
// concurrent use.
type Store interface {
	// SetToken stores the bearer token. persist selects long-lived storage
	// over session-scoped storage.
	SetToken(token string, persist bool) error
	// Token returns the bearer token, if any.
	Token() (string, bool)
	// Persistent reports whether the stored token lives in long-lived storage.
	Persistent() bool

	SetCSRFToken(token string) error
	CSRFToken() string

	// SetActiveSession marks the session active and stamps the marker.
	SetActiveSession() error
	// TouchSession re-stamps the marker of an already active session.
	TouchSession() error
	HasActiveSession() bool
	// ActiveSince returns when the marker was last stamped, zero if inactive.
	ActiveSince() time.Time

	// ClearSession removes the token, the CSRF token and the marker in one step.
	ClearSession() error

	Close() error
}

// state is the full stored record shared by the file and memory stores.
type state struct {
	Token      string    `json:"token,omitempty"`
	Persistent bool      `json:"persistent"`
	CSRFToken  string    `json:"csrf_token,omitempty"`
	Active     bool      `json:"active"`
	ActiveAt   time.Time `json:"active_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s state) empty() bool {
	return s.Token == "" && s.CSRFToken == "" && !s.Active
}

// Memory is a process-local Store.
type Memory struct {
	mu  sync.RWMutex
	st  state
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock replaces time.Now, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) SetToken(token string, persist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Token = token
	m.st.Persistent = persist
	return nil
}

func (m *Memory) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Token, m.st.Token != ""
}

func (m *Memory) Persistent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Token != "" && m.st.Persistent
}

func (m *Memory) SetCSRFToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.CSRFToken = token
	return nil
}

func (m *Memory) CSRFToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CSRFToken
}

func (m *Memory) SetActiveSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Active = true
	m.st.ActiveAt = m.now()
	return nil
}

func (m *Memory) TouchSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Active {
		m.st.ActiveAt = m.now()
	}
	return nil
}

func (m *Memory) HasActiveSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Active
}

func (m *Memory) ActiveSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.st.Active {
		return time.Time{}
	}
	return m.st.ActiveAt
}

func (m *Memory) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = state{}
	return nil
}

func (m *Memory) Close() error { return nil }
