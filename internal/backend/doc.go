// Package backend wraps the admin backend's auth endpoints in typed calls.
//
// The backend is a Laravel Sanctum style API. Paths are configurable; the
// defaults are:
//
//	GET  /sanctum/csrf-cookie   CSRF cookie
//	POST /api/login             {user, token}
//	POST /api/register          {user, token}
//	POST /api/logout
//	GET  /api/user              user object, optionally wrapped in data or user
//	POST /api/refresh           {token}
//	POST /api/forgot-password   {message}
//	POST /api/reset-password    {message}
//
// Errors are the transport package's: *transport.StatusError for HTTP
// failures and transport.ErrTransport for network failures.
package backend
