// ABOUTME: Standalone fake admin backend for manual and E2E testing of the console
// ABOUTME: Usage: fake-backend [-addr localhost:8000] [-tokens jwt] [-user "Ada:ada@example.com:secret:admin:manage_users"]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/widget-console/internal/fakebackend"
)

// userFlags collects repeated -user values.
type userFlags []string

func (u *userFlags) String() string     { return strings.Join(*u, ", ") }
func (u *userFlags) Set(v string) error { *u = append(*u, v); return nil }

func main() {
	addr := flag.String("addr", "localhost:8000", "HTTP listen address")
	tokens := flag.String("tokens", string(fakebackend.TokenOpaque), "token kind: opaque or jwt")
	ttl := flag.Duration("ttl", time.Hour, "JWT lifetime")
	roles := flag.String("roles", string(fakebackend.RolesAsStrings), "role shape in user payloads: strings, objects or map")
	envelope := flag.String("envelope", "", "wrap /api/user in \"data\" or \"user\"")
	noRefresh := flag.Bool("no-refresh", false, "answer 404 on the token refresh endpoint")
	var users userFlags
	flag.Var(&users, "user", "seed account NAME:EMAIL:PASSWORD[:ROLE,ROLE[:PERM,PERM]] (repeatable)")
	flag.Parse()

	if len(users) == 0 {
		users = userFlags{"Admin:admin@example.com:password:admin:manage_users,view_users,manage_roles"}
	}

	opts := fakebackend.Options{
		Tokens:         fakebackend.TokenKind(*tokens),
		TokenTTL:       *ttl,
		RoleShape:      fakebackend.RoleShape(*roles),
		Envelope:       fakebackend.Envelope(*envelope),
		DisableRefresh: *noRefresh,
	}
	if err := run(*addr, opts, users); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, opts fakebackend.Options, users []string) error {
	switch opts.Tokens {
	case fakebackend.TokenOpaque, fakebackend.TokenJWT:
	default:
		return fmt.Errorf("unknown token kind %q", opts.Tokens)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fb := fakebackend.New(opts, logger)
	for _, entry := range users {
		name, email, password, roles, perms, err := parseUser(entry)
		if err != nil {
			return err
		}
		if _, err := fb.AddUser(name, email, password, roles, perms); err != nil {
			return fmt.Errorf("seeding %s: %w", email, err)
		}
		fmt.Fprintf(os.Stderr, "seeded %s (roles: %s)\n", email, strings.Join(roles, ","))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: fb.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake backend listening on http://%s (%s tokens)\n", addr, opts.Tokens)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseUser(entry string) (name, email, password string, roles, perms []string, err error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 3 || len(parts) > 5 {
		return "", "", "", nil, nil, fmt.Errorf("bad -user %q: want NAME:EMAIL:PASSWORD[:ROLES[:PERMS]]", entry)
	}
	name, email, password = parts[0], parts[1], parts[2]
	if len(parts) > 3 {
		roles = splitList(parts[3])
	}
	if len(parts) > 4 {
		perms = splitList(parts[4])
	}
	return name, email, password, roles, perms, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
