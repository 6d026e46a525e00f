// Package webconsole serves the admin console in a browser.
//
// The web console is a thin HTML surface over one console.Console: every
// page reads the shared session manager, every protected page sits behind
// its own guard.Guard, and notices raised anywhere in the process are shown
// as flashes on the next rendered page.
//
// # Routes
//
// Public:
//
//	GET/POST /login, /register, /forgot-password, /reset-password
//	POST     /logout
//	GET      /unauthorized, /help, /help/{topic}
//	GET      /session/status
//	POST     /session/extend, /session/logout
//	GET      /metrics (when enabled)
//
// Protected (loading page while checking, 303 to /login?next= or
// /unauthorized when denied):
//
//	/, /admin/users, /admin/roles, /settings/*, /chats
//
// # CSRF
//
// Forms carry a csrf_token field matched against the console_csrf cookie.
// JSON endpoints take the same value in the X-CSRF-Token header. This is
// separate from the backend's XSRF-TOKEN, which the transport handles.
package webconsole
