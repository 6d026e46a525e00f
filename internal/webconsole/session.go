// ABOUTME: JSON endpoints for the session clock: status, extend and logout
// ABOUTME: Drives the expiry banner on every page without a full reload

package webconsole

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/sessionclock"
)

type sessionStatus struct {
	Status         string          `json:"status"`
	Authenticated  bool            `json:"authenticated"`
	Loading        bool            `json:"loading"`
	User           *sessionUser    `json:"user,omitempty"`
	ExpiryKnown    bool            `json:"expiry_known"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	SecondsLeft    int             `json:"seconds_left"`
	WarningVisible bool            `json:"warning_visible"`
	Expired        bool            `json:"expired"`
	Notices        []sessionNotice `json:"notices,omitempty"`
}

type sessionUser struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type sessionNotice struct {
	Level   string `json:"level"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

func (s *Server) statusBody(state sessionclock.State, withNotices bool) sessionStatus {
	snap := s.manager.Snapshot()
	out := sessionStatus{
		Status:         string(snap.Status),
		Authenticated:  snap.Authenticated(),
		Loading:        snap.Loading,
		ExpiryKnown:    state.ExpiryKnown,
		SecondsLeft:    state.SecondsLeft,
		WarningVisible: state.WarningVisible,
		Expired:        state.Expired,
	}
	if state.ExpiryKnown {
		at := state.ExpiresAt.UTC()
		out.ExpiresAt = &at
	}
	if u := snap.User; u != nil {
		out.User = &sessionUser{
			ID:          u.ID,
			Name:        u.Name,
			Email:       u.Email,
			Roles:       u.RoleNames(),
			Permissions: u.Permissions,
		}
	}
	if withNotices {
		for _, n := range s.drainFlashes() {
			out.Notices = append(out.Notices, sessionNotice{Level: string(n.Level), Title: n.Title, Message: n.Message})
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write JSON response", "error", err)
	}
}

// handleSessionStatus polls the clock and reports the session. A token that
// expired since the last poll is logged out here.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	state := s.clock.Poll(r.Context())
	s.writeJSON(w, http.StatusOK, s.statusBody(state, r.URL.Query().Has("notices")))
}

// handleSessionExtend asks the backend for a fresh token
func (s *Server) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	if !s.validateCSRF(r) {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid CSRF token"})
		return
	}

	err := s.clock.Extend(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.statusBody(s.clock.State(), false))
	case errors.Is(err, authsession.ErrNotAuthenticated):
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not signed in"})
	default:
		s.logger.Warn("extending session", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "could not extend session"})
	}
}

// handleSessionLogout ends the session from the expiry banner
func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if !s.validateCSRF(r) {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid CSRF token"})
		return
	}
	s.clock.Logout(r.Context())
	s.writeJSON(w, http.StatusOK, s.statusBody(s.clock.State(), false))
}
