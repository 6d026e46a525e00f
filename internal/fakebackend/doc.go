// Package fakebackend is an in-memory double of the admin backend's auth API.
//
// It exists for tests and local development of the console: it speaks the
// same HTTP contract as the real backend (Sanctum CSRF cookie, login,
// register, logout, current user, token refresh, password reset) and can be
// configured to reproduce the variations the console must tolerate:
//
//   - opaque Sanctum-style tokens ("12|random") or HS256 JWTs with a short TTL
//   - roles sent as strings, as objects, or as a {role: true} map
//   - permissions omitted from the user payload
//   - the user wrapped in {"data": ...} or {"user": ...}
//   - no /api/refresh endpoint
//   - a held /api/user response, for restore and logout races
//
// Nothing is persisted. Passwords are bcrypt hashed like a real backend
// would, using the minimum cost so tests stay fast.
//
// A protected sample resource, GET /api/admin/users, requires the view_users
// or manage_users permission and answers 403 otherwise.
package fakebackend
