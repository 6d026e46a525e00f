// Package console wires the auth components into one running instance.
//
// Both binaries build a Console from config: console-admin drives it from
// cobra commands, console-web serves it over HTTP. Components are created
// in dependency order (store, signal bus, transport, CSRF bootstrapper,
// backend API, session manager, session clock) so the manager is the single
// owner of auth state and everything else receives it by injection.
package console
