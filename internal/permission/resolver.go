// ABOUTME: Permission and role resolution against the canonical user model
// ABOUTME: Implements alias expansion and space/underscore separator normalization

package permission

import (
	"strings"

	"github.com/2389/widget-console/internal/identity"
)

var (
	toUnderscore = strings.NewReplacer(" ", "_", "-", "_")
	toSpace      = strings.NewReplacer("_", " ", "-", " ")
)

// Resolver evaluates permission and role requirements.
type Resolver struct {
	aliases Aliases
}

// NewResolver creates a resolver with the given alias table. A nil table
// selects DefaultAliases.
func NewResolver(aliases Aliases) *Resolver {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Resolver{aliases: aliases}
}

// Aliases returns the resolver's alias table.
func (r *Resolver) Aliases() Aliases {
	return r.aliases
}

// HasPermission reports whether u satisfies any of the required permissions.
// A nil user, a user without permissions, or an empty requirement is false.
func (r *Resolver) HasPermission(u *identity.User, required ...string) bool {
	if u == nil || len(u.Permissions) == 0 {
		return false
	}

	held := make(map[string]struct{}, len(u.Permissions))
	for _, p := range u.Permissions {
		held[p] = struct{}{}
	}

	for _, req := range required {
		if r.satisfies(held, req) {
			return true
		}
	}
	return false
}

func (r *Resolver) satisfies(held map[string]struct{}, required string) bool {
	required = strings.TrimSpace(required)
	if required == "" {
		return false
	}

	for _, candidate := range variants(required) {
		if _, ok := held[candidate]; ok {
			return true
		}
		for _, concrete := range r.aliases[candidate] {
			for _, v := range variants(concrete) {
				if _, ok := held[v]; ok {
					return true
				}
			}
		}
	}
	return false
}

// variants returns p followed by its underscore and space forms, without duplicates.
func variants(p string) []string {
	out := []string{p}
	for _, v := range []string{toUnderscore.Replace(p), toSpace.Replace(p)} {
		if v != out[0] && (len(out) == 1 || v != out[1]) {
			out = append(out, v)
		}
	}
	return out
}

// HasRole reports whether u holds any of the required roles.
func (r *Resolver) HasRole(u *identity.User, required ...string) bool {
	if u == nil || len(u.Roles) == 0 {
		return false
	}
	for _, want := range required {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		for _, role := range u.Roles {
			if strings.EqualFold(role.Name, want) {
				return true
			}
		}
	}
	return false
}

var defaultResolver = NewResolver(nil)

// HasPermission checks required against u using the default alias table.
func HasPermission(u *identity.User, required ...string) bool {
	return defaultResolver.HasPermission(u, required...)
}

// HasRole checks required roles against u.
func HasRole(u *identity.User, required ...string) bool {
	return defaultResolver.HasRole(u, required...)
}
