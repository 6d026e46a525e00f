// ABOUTME: net/http middleware rendering guard decisions as loading pages and redirects
// ABOUTME: Login redirects carry ?next=, unauthorized redirects go to a separate view

package guard

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
)

const (
	DefaultLoginPath        = "/login"
	DefaultUnauthorizedPath = "/unauthorized"

	// StateHeader carries the decision on every guarded response.
	StateHeader = "X-Guard-State"
)

var loadingPage = template.Must(template.New("loading").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>Checking your session…</title>
</head>
<body>
<main class="guard-loading" aria-busy="true">
<p>Checking your session…</p>
{{if .Attempt}}<p class="muted">Attempt {{.Attempt}}</p>{{end}}
</main>
</body>
</html>
`))

// HTTPOptions configures Middleware.
type HTTPOptions struct {
	LoginPath        string
	UnauthorizedPath string
	// RefreshSeconds is the loading page's meta refresh interval.
	RefreshSeconds int
	Logger         *slog.Logger
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.LoginPath == "" {
		o.LoginPath = DefaultLoginPath
	}
	if o.UnauthorizedPath == "" {
		o.UnauthorizedPath = DefaultUnauthorizedPath
	}
	if o.RefreshSeconds <= 0 {
		o.RefreshSeconds = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type decisionKey struct{}

// DecisionFrom returns the decision that admitted the request.
func DecisionFrom(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

// LoginRedirect builds the login URL that returns to next afterwards.
func LoginRedirect(loginPath, next string) string {
	return loginPath + "?next=" + url.QueryEscape(next)
}

// Middleware protects next with g and req.
func (g *Guard) Middleware(req Requirement, opts HTTPOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.safeEvaluate(r.Context(), req, opts.Logger)
			w.Header().Set(StateHeader, string(d.State))

			switch d.State {
			case StateAllowed:
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
			case StateChecking:
				w.Header().Set("Cache-Control", "no-store")
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				if err := loadingPage.Execute(w, map[string]any{"Refresh": opts.RefreshSeconds, "Attempt": d.Attempt}); err != nil {
					opts.Logger.Error("rendering loading page", "error", err)
				}
			case StateUnauthorized:
				http.Redirect(w, r, opts.UnauthorizedPath+"?from="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
			default:
				http.Redirect(w, r, LoginRedirect(opts.LoginPath, r.URL.RequestURI()), http.StatusSeeOther)
			}
		})
	}
}

// safeEvaluate turns a panic in a collaborator into a login redirect.
func (g *Guard) safeEvaluate(ctx context.Context, req Requirement, logger *slog.Logger) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("guard evaluation panicked", "panic", fmt.Sprint(rec))
			d = Decision{State: StateUnauthenticated}
		}
	}()
	return g.Evaluate(ctx, req)
}
