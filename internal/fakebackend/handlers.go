// ABOUTME: HTTP handlers implementing the backend auth contract for the fake
// ABOUTME: Laravel-style error bodies: {message, errors: {field: [...]}}

package fakebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	csrfCookieName = "XSRF-TOKEN"
	csrfHeaderName = "X-XSRF-TOKEN"
	minPassword    = 8
)

type contextKey string

const accountContextKey contextKey = "account"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg})
}

func writeValidation(w http.ResponseWriter, fields map[string][]string) {
	msg := "The given data was invalid."
	for _, msgs := range fields {
		if len(msgs) > 0 {
			msg = msgs[0]
			break
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": msg, "errors": fields})
}

func (s *Server) handleCSRFCookie(w http.ResponseWriter, r *http.Request) {
	token := randomToken(20)
	s.mu.Lock()
	s.csrf[token] = struct{}{}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    url.QueryEscape(token),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// csrfProtected rejects mutating requests without a known XSRF header with 419.
func (s *Server) csrfProtected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.SkipCSRF {
			token := r.Header.Get(csrfHeaderName)
			s.mu.Lock()
			_, ok := s.csrf[token]
			s.mu.Unlock()
			if token == "" || !ok {
				writeMessage(w, 419, "CSRF token mismatch.")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}
		s.mu.Lock()
		userID, err := s.verifyLocked(token)
		acct := s.byID[userID]
		s.mu.Unlock()
		if err != nil || acct == nil {
			writeMessage(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, acct)
		next(w, r.WithContext(ctx))
	}
}

func accountFrom(r *http.Request) *Account {
	acct, _ := r.Context().Value(accountContextKey).(*Account)
	return acct
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Malformed request body.")
		return
	}

	s.mu.Lock()
	acct := s.accounts[strings.ToLower(strings.TrimSpace(body.Email))]
	s.mu.Unlock()

	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(body.Password)) != nil {
		writeValidation(w, map[string][]string{"email": {"These credentials do not match our records."}})
		return
	}

	s.respondWithToken(w, http.StatusOK, acct)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name                 string `json:"name"`
		Email                string `json:"email"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Malformed request body.")
		return
	}

	fields := map[string][]string{}
	if strings.TrimSpace(body.Name) == "" {
		fields["name"] = append(fields["name"], "The name field is required.")
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		fields["email"] = append(fields["email"], "The email must be a valid email address.")
	}
	fields = checkPassword(fields, body.Password, body.PasswordConfirmation)
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	s.mu.Lock()
	acct, err := s.addUserLocked(body.Name, body.Email, body.Password, []string{"viewer"}, nil)
	s.mu.Unlock()
	if err != nil {
		writeValidation(w, map[string][]string{"email": {"The email has already been taken."}})
		return
	}

	s.respondWithToken(w, http.StatusCreated, acct)
}

func checkPassword(fields map[string][]string, password, confirmation string) map[string][]string {
	if len(password) < minPassword {
		fields["password"] = append(fields["password"], "The password must be at least 8 characters.")
	}
	if password != confirmation {
		fields["password"] = append(fields["password"], "The password confirmation does not match.")
	}
	return fields
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, acct *Account) {
	s.mu.Lock()
	token, err := s.issueLocked(strconv.Itoa(acct.ID))
	user := s.renderUserLocked(acct)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("issuing token", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Server Error")
		return
	}
	writeJSON(w, status, map[string]any{"token": token, "user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	s.Revoke(token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	gate, delay := s.userGate, s.userDelay
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	user := s.renderUserLocked(accountFrom(r))
	s.mu.Unlock()

	switch s.opts.Envelope {
	case EnvelopeData:
		writeJSON(w, http.StatusOK, map[string]any{"data": user})
	case EnvelopeUser:
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	default:
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opts.DisableRefresh {
		writeMessage(w, http.StatusNotFound, "Not Found")
		return
	}
	old, _ := extractBearerToken(r.Header.Get("Authorization"))
	acct := accountFrom(r)

	s.mu.Lock()
	delete(s.tokens, old)
	token, err := s.issueLocked(strconv.Itoa(acct.ID))
	s.mu.Unlock()
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	key := strings.ToLower(strings.TrimSpace(body.Email))

	s.mu.Lock()
	_, ok := s.accounts[key]
	if ok {
		s.resets[key] = randomToken(16)
	}
	s.mu.Unlock()

	if !ok {
		writeValidation(w, map[string][]string{"email": {"We can't find a user with that email address."}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "We have emailed your password reset link."})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token                string `json:"token"`
		Email                string `json:"email"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	key := strings.ToLower(strings.TrimSpace(body.Email))

	fields := checkPassword(map[string][]string{}, body.Password, body.PasswordConfirmation)
	s.mu.Lock()
	want, ok := s.resets[key]
	s.mu.Unlock()
	if !ok || want == "" || want != body.Token {
		fields["email"] = append(fields["email"], "This password reset token is invalid.")
	}
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), s.opts.BcryptCost)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Server Error")
		return
	}
	s.mu.Lock()
	if acct := s.accounts[key]; acct != nil {
		acct.passwordHash = hash
	}
	delete(s.resets, key)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "Your password has been reset."})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	allowed := false
	for _, p := range acct.Permissions {
		if p == "view_users" || p == "manage_users" {
			allowed = true
		}
	}
	if !allowed {
		writeMessage(w, http.StatusForbidden, "This action is unauthorized.")
		return
	}

	s.mu.Lock()
	users := make([]map[string]any, 0, len(s.byID))
	for id := 1; id <= s.nextID; id++ {
		if a := s.byID[strconv.Itoa(id)]; a != nil {
			users = append(users, s.renderUserLocked(a))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": users})
}

// renderUserLocked shapes acct according to the configured options.
func (s *Server) renderUserLocked(acct *Account) map[string]any {
	user := map[string]any{
		"id":    acct.ID,
		"name":  acct.Name,
		"email": acct.Email,
	}

	switch s.opts.RoleShape {
	case RolesAsObjects:
		roles := make([]map[string]any, 0, len(acct.Roles))
		for i, name := range acct.Roles {
			roles = append(roles, map[string]any{"id": i + 1, "name": name})
		}
		user["roles"] = roles
	case RolesAsMap:
		roles := make(map[string]bool, len(acct.Roles))
		for _, name := range acct.Roles {
			roles[name] = true
		}
		user["roles"] = roles
	default:
		user["roles"] = append([]string{}, acct.Roles...)
	}

	if !s.opts.OmitPermissions {
		user["permissions"] = append([]string{}, acct.Permissions...)
	}
	return user
}
