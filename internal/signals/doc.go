// Package signals is the in-process bus that carries asynchronous auth
// interrupts from the HTTP transport to the session manager.
//
// # Signal Kinds
//
//   - auth:expired: an authenticated call returned 401 or 419
//   - permission:denied: an authenticated call returned 403
//
// # Exactly Once
//
// Several requests can fail at the same moment for the same reason. Publish
// collapses them into one delivery per occurrence, keyed by kind, the
// session fingerprint the failing request carried, and (for
// permission:denied) the request path. Repeats inside the dedupe window are
// dropped and Publish reports false.
//
// # Usage
//
//	bus := signals.NewBus(5*time.Second, logger)
//	ch, _ := bus.Subscribe(ctx, signals.AuthExpired, signals.PermissionDenied)
//	for sig := range ch {
//	    // react
//	}
//
// Subscriptions end when their context is cancelled or on Close.
package signals
