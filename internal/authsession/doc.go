// Package authsession owns the console's authentication state.
//
// There is one Manager per process. It is the only writer of the token store
// and of the current user, and everything else (route guard, session clock,
// CLI, web console) reads through it.
//
// # States
//
//	unauthenticated --Login/Register--> authenticating --ok--> authenticated
//	                                                  \--rejected/failed--> error
//	authenticated --Logout/ForceLogout/401--> unauthenticated
//
// IsLoading is true while authenticating and while any refresh is running.
//
// # Startup
//
// Start runs the restore sequence in a fixed order:
//
//  1. bootstrap CSRF
//  2. check the store's session marker
//  3. if marked, fetch the current user: 401/419 clears the session, any other
//     failure keeps the token with no user so a later refresh can retry
//
// It then listens on the signal bus until its context ends: auth:expired
// forces a logout with one "session expired" notification, permission:denied
// produces a warning and leaves the session alone.
//
// # Races
//
// Every operation that replaces the session (Login, Register, Logout,
// ForceLogout) bumps a generation counter. Refreshes record the generation
// they started in and drop their result if it changed, so a refresh that
// resolves after a logout cannot bring the user back. Concurrent RefreshAuth
// calls share one backend request.
package authsession
