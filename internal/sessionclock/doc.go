// Package sessionclock tracks how long the current session token has left.
//
// Tokens that look like JWTs (they contain a ".") have their exp claim read
// without verifying the signature; the console is not the token's audience
// and only needs the timestamp. Anything else, including malformed JWTs, is
// "expiry unknown", which is never treated as expired.
//
// # Polling
//
// Clock.Poll recomputes State from the token's expiry:
//
//	left > threshold        no warning
//	0 < left <= threshold   warning, SecondsLeft = left
//	left <= 0               forced logout, at most once per token
//
// Between polls Clock.Countdown decrements SecondsLeft locally once a second
// while the warning is visible; the next poll corrects any drift.
//
// # Actions
//
// Extend asks the session controller to refresh the session and hides the
// warning on success. Logout ends the session immediately.
package sessionclock
