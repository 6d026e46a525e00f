// Package identity defines the authenticated user as the console sees it.
//
// # Canonical Shape
//
// The backend is inconsistent about how it serializes a user. Depending on the
// endpoint and the backend version, roles arrive as a list of names, a list of
// role objects, or an object keyed by role name, and permissions may be
// missing entirely. User.UnmarshalJSON resolves all of these once, at
// ingestion, into:
//
//   - Roles: a de-duplicated []Role (ID, Name, Permissions)
//   - Permissions: a de-duplicated, never-nil []string
//
// Every consumer (permission.Resolver, the session manager, the web console)
// works on the canonical shape only and never re-inspects payload variants.
//
// # Mutation
//
// A User value is owned by authsession.Manager. Partial updates go through
// Patch and Merge, which return a new value instead of mutating in place:
//
//	updated := identity.Merge(current, identity.Patch{Name: &name})
package identity
