// Package notify delivers short user-facing notifications.
//
// A Notifier receives levelled messages from the auth core: "session
// expired", "permission denied", password reset confirmations. Two sinks are
// provided:
//
//   - Queue, an in-memory flash queue the web console drains into the next
//     rendered page. Identical messages within a window are dropped, so a
//     burst of failing requests shows one toast.
//   - Console, a colored line writer for the CLI.
//
// Usage:
//
//	notify.Warning(n, "You do not have permission to do that")
//	notify.Error(n, "Your session has expired. Please sign in again.")
package notify
