// Package transport is the console's HTTP layer to the backend.
//
// # Responsibilities
//
//   - JSON requests against a configured base URL with a per-call timeout
//   - a cookie jar, so Sanctum-style session and XSRF cookies round-trip
//   - the bearer token on authenticated calls, read from the token store
//   - the CSRF header on mutating calls, fetching a token first when none is
//     stored and retrying once after a 419
//   - typed errors: *StatusError for HTTP failures, ErrTransport for network
//     failures and timeouts
//   - raising signals.AuthExpired (401/419) and signals.PermissionDenied (403)
//     for authenticated calls
//
// # Errors
//
//	err := client.Do(ctx, http.MethodGet, "/api/user", nil, &u, transport.Authenticated())
//	switch {
//	case transport.IsUnauthenticated(err): // 401 or 419
//	case transport.IsForbidden(err):       // 403
//	case transport.IsValidation(err):      // 422, field errors in StatusError.Fields
//	case transport.IsTransport(err):       // unreachable, timeout
//	}
package transport
