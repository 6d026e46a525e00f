// Package guard decides whether a protected view may render.
//
// A Guard belongs to one protected route and moves through four states:
//
//	checking                auth is still resolving; show a loading page
//	denied-unauthenticated  redirect to login, remembering the requested path
//	denied-unauthorized     signed in but missing a role or permission
//	allowed                 render the view
//
// # Reload grace
//
// Right after a restart the session marker says "was signed in" while the
// current-user fetch has not finished. If the marker was stamped within the
// grace window the guard keeps answering checking, kicking a rate-limited
// RefreshAuth, for at most MaxAttempts evaluations before falling through to
// the login redirect. This avoids bouncing a signed-in user to the login
// page just because their session is still being verified.
//
// The guard never returns errors and its middleware never lets a panic
// escape: anything unexpected resolves to a redirect.
package guard
