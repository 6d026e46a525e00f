// ABOUTME: Login, registration, password reset and logout form handlers
// ABOUTME: Turns manager results and backend validation errors into form feedback

package webconsole

import (
	"errors"
	"net/http"
	"strings"

	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/transport"
)

const (
	msgInvalidForm     = "Invalid request, please try again"
	msgUnreachable     = "Could not reach the server. Please try again."
	msgBadCredentials  = "Invalid email or password"
	msgRegisterFailed  = "Registration failed. Please check the form."
	msgResetFailed     = "Could not reset the password. Please check the form."
	msgEmailRequired   = "Email is required"
	msgLoginIncomplete = "Email and password are required"
)

// formError maps a failed auth call to a page message and per-field errors.
func formError(err error, fallback string) (string, map[string]string) {
	if err == nil {
		return fallback, nil
	}
	if transport.IsTransport(err) {
		return msgUnreachable, nil
	}
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return fallback, nil
	}
	var fields map[string]string
	if names := se.FieldNames(); len(names) > 0 {
		fields = make(map[string]string, len(names))
		for _, name := range names {
			fields[name] = se.FieldError(name)
		}
	}
	if se.Message != "" && se.Status != http.StatusInternalServerError {
		return se.Message, fields
	}
	return fallback, fields
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, next, email, errMsg string) {
	r, _ = s.ensureCSRFToken(w, r)
	data := s.newPage(r, "Sign in")
	data.Next = next
	data.Error = errMsg
	data.Form = map[string]string{"email": email}
	s.render(w, status, "login.html", data)
}

// handleLoginPage renders the login page
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if s.manager.IsAuthenticated() {
		http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
		return
	}
	s.renderLogin(w, r, http.StatusOK, next, "", "")
}

// handleLogin processes login form submission
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, r, http.StatusBadRequest, "", "", msgInvalidForm)
		return
	}

	next := r.FormValue("next")
	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")

	if !s.validateCSRF(r) {
		s.renderLogin(w, r, http.StatusForbidden, next, email, msgInvalidForm)
		return
	}
	if email == "" || password == "" {
		s.renderLogin(w, r, http.StatusUnprocessableEntity, next, email, msgLoginIncomplete)
		return
	}

	ok, err := s.manager.Login(r.Context(), email, password, r.FormValue("remember") != "")
	if err != nil {
		msg, _ := formError(err, msgUnreachable)
		s.renderLogin(w, r, http.StatusBadGateway, next, email, msg)
		return
	}
	if !ok {
		msg, _ := formError(s.manager.LastError(), msgBadCredentials)
		s.renderLogin(w, r, http.StatusUnprocessableEntity, next, email, msg)
		return
	}

	s.logger.Info("console login", "email", email)
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

func (s *Server) renderRegister(w http.ResponseWriter, r *http.Request, status int, form map[string]string, errMsg string, fields map[string]string) {
	r, _ = s.ensureCSRFToken(w, r)
	data := s.newPage(r, "Create account")
	data.Form = form
	data.Error = errMsg
	data.Fields = fields
	s.render(w, status, "register.html", data)
}

// handleRegisterPage renders the registration form
func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	if s.manager.IsAuthenticated() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderRegister(w, r, http.StatusOK, nil, "", nil)
}

// handleRegister creates an account and signs it in for this session
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.validateCSRF(r) {
		s.renderRegister(w, r, http.StatusForbidden, nil, msgInvalidForm, nil)
		return
	}

	reg := identity.Registration{
		Name:                 strings.TrimSpace(r.FormValue("name")),
		Email:                strings.TrimSpace(r.FormValue("email")),
		Password:             r.FormValue("password"),
		PasswordConfirmation: r.FormValue("password_confirmation"),
	}
	form := map[string]string{"name": reg.Name, "email": reg.Email}

	ok, err := s.manager.Register(r.Context(), reg)
	if err != nil {
		msg, fields := formError(err, msgUnreachable)
		s.renderRegister(w, r, http.StatusBadGateway, form, msg, fields)
		return
	}
	if !ok {
		msg, fields := formError(s.manager.LastError(), msgRegisterFailed)
		s.renderRegister(w, r, http.StatusUnprocessableEntity, form, msg, fields)
		return
	}

	s.logger.Info("console registration", "email", reg.Email)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleForgotPasswordPage renders the reset-link request form
func (s *Server) handleForgotPasswordPage(w http.ResponseWriter, r *http.Request) {
	r, _ = s.ensureCSRFToken(w, r)
	s.render(w, http.StatusOK, "forgot_password.html", s.newPage(r, "Forgot password"))
}

// handleForgotPassword asks the backend to email a reset link. The outcome
// is shown as a flash on the redirected page.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.validateCSRF(r) {
		r, _ = s.ensureCSRFToken(w, r)
		data := s.newPage(r, "Forgot password")
		data.Error = msgInvalidForm
		s.render(w, http.StatusForbidden, "forgot_password.html", data)
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		r, _ = s.ensureCSRFToken(w, r)
		data := s.newPage(r, "Forgot password")
		data.Error = msgEmailRequired
		s.render(w, http.StatusUnprocessableEntity, "forgot_password.html", data)
		return
	}

	if _, err := s.manager.ForgotPassword(r.Context(), email); err != nil {
		s.logger.Info("forgot password failed", "error", err)
	}
	http.Redirect(w, r, "/forgot-password", http.StatusSeeOther)
}

func (s *Server) renderReset(w http.ResponseWriter, r *http.Request, status int, form map[string]string, errMsg string, fields map[string]string) {
	r, _ = s.ensureCSRFToken(w, r)
	data := s.newPage(r, "Reset password")
	data.Form = form
	data.Error = errMsg
	data.Fields = fields
	s.render(w, status, "reset_password.html", data)
}

// handleResetPasswordPage renders the new-password form from an emailed link
func (s *Server) handleResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.renderReset(w, r, http.StatusOK, map[string]string{"token": q.Get("token"), "email": q.Get("email")}, "", nil)
}

// handleResetPassword completes the reset and sends the user to sign in
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.validateCSRF(r) {
		s.renderReset(w, r, http.StatusForbidden, nil, msgInvalidForm, nil)
		return
	}

	reset := identity.PasswordReset{
		Token:                r.FormValue("token"),
		Email:                strings.TrimSpace(r.FormValue("email")),
		Password:             r.FormValue("password"),
		PasswordConfirmation: r.FormValue("password_confirmation"),
	}
	if _, err := s.manager.ResetPassword(r.Context(), reset); err != nil {
		msg, fields := formError(err, msgResetFailed)
		s.renderReset(w, r, http.StatusUnprocessableEntity,
			map[string]string{"token": reset.Token, "email": reset.Email}, msg, fields)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// handleLogout signs out and returns to the login page
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.validateCSRF(r) {
		s.logger.Warn("logout request with invalid CSRF token")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.manager.Logout(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
