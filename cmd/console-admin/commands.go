// ABOUTME: console-admin subcommands for signing in, inspecting and ending sessions
// ABOUTME: Each command reads the shared console set up by the root command

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/sessionclock"
	"github.com/2389/widget-console/internal/transport"
)

var errNotSignedIn = errors.New("not signed in (run console-admin login)")

func loginCmd(a *app) *cobra.Command {
	var email string
	var noRemember bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			var err error
			if email == "" {
				if email, err = p.line("Email: "); err != nil {
					return err
				}
			}
			password, err := p.secret("Password: ")
			if err != nil {
				return err
			}

			mgr := a.console.Manager()
			ok, err := mgr.Login(cmd.Context(), email, password, !noRemember)
			if err != nil {
				return err
			}
			if !ok {
				return rejection(mgr.LastError(), "invalid email or password")
			}
			success(cmd.OutOrStdout(), "Signed in as %s", describeUser(mgr.User()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email (prompted when empty)")
	cmd.Flags().BoolVar(&noRemember, "no-remember", false, "keep the session for this invocation only; later runs start signed out")
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.console.Manager().Logout(cmd.Context())
			success(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func registerCmd(a *app) *cobra.Command {
	var name, email string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in for this invocation",
		Long: `Creates an account on the backend and signs it in.

The new session is not remembered: later console-admin runs start signed out,
so run console-admin login afterwards to keep a session.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			var err error
			if name == "" {
				if name, err = p.line("Name: "); err != nil {
					return err
				}
			}
			if email == "" {
				if email, err = p.line("Email: "); err != nil {
					return err
				}
			}
			password, err := p.secret("Password: ")
			if err != nil {
				return err
			}
			confirm, err := p.secret("Confirm password: ")
			if err != nil {
				return err
			}

			mgr := a.console.Manager()
			ok, err := mgr.Register(cmd.Context(), identity.Registration{
				Name: name, Email: email, Password: password, PasswordConfirmation: confirm,
			})
			if err != nil {
				return err
			}
			if !ok {
				return rejection(mgr.LastError(), "registration failed")
			}
			success(cmd.OutOrStdout(), "Account created, signed in as %s", describeUser(mgr.User()))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	return cmd
}

func meCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := a.console.Manager().User()
			if u == nil {
				return errNotSignedIn
			}
			w := cmd.OutOrStdout()
			field(w, "ID", u.ID)
			field(w, "Name", u.Name)
			field(w, "Email", u.Email)
			field(w, "Roles", joinOrNone(u.RoleNames()))
			field(w, "Permissions", joinOrNone(u.Permissions))
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state and token expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state := a.console.Clock().Poll(cmd.Context())
			snap := a.console.Manager().Snapshot()

			w := cmd.OutOrStdout()
			field(w, "Backend", a.cfg.Backend.BaseURL)
			field(w, "Status", string(snap.Status))
			if snap.User != nil {
				field(w, "User", describeUser(snap.User))
			}
			field(w, "Token", yesNo(snap.HasToken))
			field(w, "Remembered", yesNo(snap.HasToken && a.console.Store().Persistent()))
			field(w, "Expires", describeExpiry(state))
			if snap.LastError != nil {
				field(w, "Last error", snap.LastError.Error())
			}
			if state.WarningVisible {
				warn(w, "Session expires in %s, run console-admin refresh --token to extend it", formatSeconds(state.SecondsLeft))
			}
			return nil
		},
	}
}

func refreshCmd(a *app) *cobra.Command {
	var rotate bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-validate the session, or rotate the token with --token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := a.console.Manager()
			if rotate {
				if err := a.console.Clock().Extend(cmd.Context()); err != nil {
					if errors.Is(err, authsession.ErrNotAuthenticated) {
						return errNotSignedIn
					}
					return err
				}
				success(cmd.OutOrStdout(), "Session extended (%s)", describeExpiry(a.console.Clock().Poll(cmd.Context())))
				return nil
			}

			if err := mgr.RefreshAuth(cmd.Context()); err != nil {
				return err
			}
			if !mgr.IsAuthenticated() {
				return errNotSignedIn
			}
			success(cmd.OutOrStdout(), "Session valid for %s", describeUser(mgr.User()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "token", false, "exchange the token for a fresh one")
	return cmd
}

func canCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "can <permission>...",
		Short: "Exit non-zero unless you hold any of the permissions",
		Long: `Checks permissions the way the console does, including aliases such as
"manage users" and spelling variants like manage-users or manage_users.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.console.Manager()
			if !mgr.IsAuthenticated() {
				return errNotSignedIn
			}
			if !mgr.HasPermission(args...) {
				return fmt.Errorf("missing permission: %s", strings.Join(args, " | "))
			}
			success(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
}

func hasRoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "has-role <role>...",
		Short: "Exit non-zero unless you hold any of the roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.console.Manager()
			if !mgr.IsAuthenticated() {
				return errNotSignedIn
			}
			if !mgr.HasRole(args...) {
				return fmt.Errorf("missing role: %s", strings.Join(args, " | "))
			}
			success(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
}

func forgotPasswordCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forgot-password <email>",
		Short: "Email a password reset link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The manager prints the backend's message either way
			_, err := a.console.Manager().ForgotPassword(cmd.Context(), args[0])
			return err
		},
	}
}

func resetPasswordCmd(a *app) *cobra.Command {
	var token, email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password with the token from the reset email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" || email == "" {
				return errors.New("--token and --email are required")
			}
			p := newPrompter(cmd)
			password, err := p.secret("New password: ")
			if err != nil {
				return err
			}
			confirm, err := p.secret("Confirm password: ")
			if err != nil {
				return err
			}
			_, err = a.console.Manager().ResetPassword(cmd.Context(), identity.PasswordReset{
				Token: token, Email: email, Password: password, PasswordConfirmation: confirm,
			})
			if err != nil {
				return rejection(err, "password reset failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "reset token from the email")
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the session countdown and warn before it expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := a.console.Manager()
			if !mgr.IsAuthenticated() {
				return errNotSignedIn
			}

			var ctx context.Context
			var cancel context.CancelFunc
			if duration > 0 {
				ctx, cancel = context.WithTimeout(cmd.Context(), duration)
			} else {
				ctx, cancel = context.WithCancel(cmd.Context())
			}
			defer cancel()

			w := cmd.OutOrStdout()
			var warned atomic.Bool
			done := make(chan struct{})
			expired := sync.OnceFunc(func() { close(done) })

			remove := a.console.Clock().OnChange(func(s sessionclock.State) {
				switch {
				case s.Expired:
					red.Fprintln(w, "✗ session expired")
					expired()
				case s.WarningVisible:
					if warned.CompareAndSwap(false, true) {
						warn(w, "Session expires in %s", formatSeconds(s.SecondsLeft))
					}
				default:
					warned.Store(false)
				}
			})
			defer remove()

			success(w, "Watching session for %s (%s)", describeUser(mgr.User()), describeExpiry(a.console.Clock().Poll(ctx)))
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				a.console.Run(ctx)
			}()

			select {
			case <-ctx.Done():
			case <-done:
			}
			cancel()
			<-stopped
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default: until interrupted)")
	return cmd
}

// rejection turns a backend refusal into a readable error.
func rejection(err error, fallback string) error {
	var se *transport.StatusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = fallback
		}
		for _, name := range se.FieldNames() {
			if name == "email" && se.FieldError(name) == msg {
				continue
			}
			msg += "\n  " + name + ": " + se.FieldError(name)
		}
		return errors.New(msg)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", fallback, err)
	}
	return errors.New(fallback)
}

func describeUser(u *identity.User) string {
	if u == nil {
		return "unknown user"
	}
	if u.Name == "" {
		return u.Email
	}
	return fmt.Sprintf("%s <%s>", u.Name, u.Email)
}

func describeExpiry(s sessionclock.State) string {
	switch {
	case s.Expired:
		return "expired"
	case !s.ExpiryKnown:
		return "unknown"
	default:
		return fmt.Sprintf("in %s (%s)", formatSeconds(s.SecondsLeft), s.ExpiresAt.Local().Format(time.Kitchen))
	}
}

func formatSeconds(n int) string {
	return (time.Duration(n) * time.Second).String()
}

func joinOrNone(v []string) string {
	if len(v) == 0 {
		return "none"
	}
	return strings.Join(v, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
