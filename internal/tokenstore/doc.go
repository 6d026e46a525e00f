// Package tokenstore persists the console's session credentials.
//
// # What Is Stored
//
//   - the bearer token (opaque or JWT-shaped)
//   - the CSRF token sent on mutating requests
//   - the session-active marker and the time it was last stamped
//
// The marker is deliberately separate from the token: it records that a
// previous auth flow completed, so a restarted console can tell "never logged
// in" apart from "was logged in, verifying now".
//
// # Scopes
//
// SetToken takes a persist flag. Persisted tokens survive restarts;
// session-scoped tokens do not:
//
//   - Memory: everything is session-scoped
//   - File: persisted state lives under the XDG config dir, session-scoped
//     state under the XDG runtime dir (or the temp dir)
//   - SQLite: session-scoped rows are purged when a new process opens the db
//
// # Failure Policy
//
// Getters never fail. A store that cannot be read reports no token and no
// active session, which callers treat as "not authenticated". Setters return
// errors so callers can log them.
package tokenstore
