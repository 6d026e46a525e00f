// Package permission decides whether a user holds a required permission or role.
//
// The checks are pure: a Resolver holds only its alias table and never
// mutates the user it is given.
//
// # Permission Matching
//
// A single required permission is satisfied when any of these hold:
//
//   - the literal string is in the user's permissions
//   - the string (or a normalized form of it) is an alias whose concrete
//     permissions intersect the user's permissions
//   - a normalized form (separators rewritten to "_" or to " ") is held
//
// A list of required permissions is satisfied when any element is.
//
// # Roles
//
// Roles are matched by name, case-insensitively, against the canonical
// identity.Role slice.
//
// # Aliases
//
// DefaultAliases maps the composite permissions used by console screens
// (for example "access admin panel") to the backend's concrete permission
// identifiers. Config may add or replace entries via Aliases.Merge.
package permission
