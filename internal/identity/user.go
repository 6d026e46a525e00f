// ABOUTME: Canonical user model for the authenticated console operator
// ABOUTME: Provides cloning, role-name listing, and shallow-merge patches

package identity

import "slices"

// Role is a named role held by a user. ID and Permissions are only populated
// when the backend sends role objects.
type Role struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
}

// User is the authenticated principal.
type User struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Roles       []Role   `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Valid reports whether u looks like a clean user object from the backend.
func (u *User) Valid() bool {
	return u != nil && u.ID != ""
}

// RoleNames returns the names of all roles held by u.
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// Clone returns a deep copy of u. Cloning nil returns nil.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = make([]Role, len(u.Roles))
	for i, r := range u.Roles {
		r.Permissions = slices.Clone(r.Permissions)
		c.Roles[i] = r
	}
	c.Permissions = append(make([]string, 0, len(u.Permissions)), u.Permissions...)
	return &c
}

// Patch is a partial user update. Nil fields are left untouched.
type Patch struct {
	ID          *string
	Name        *string
	Email       *string
	Roles       *[]Role
	Permissions *[]string
}

// Merge shallow-merges p into a copy of u. When u is nil the patch becomes a
// new user. The result always has non-nil Roles and Permissions.
func Merge(u *User, p Patch) *User {
	out := u.Clone()
	if out == nil {
		out = &User{}
	}
	if p.ID != nil {
		out.ID = *p.ID
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.Roles != nil {
		out.Roles = dedupeRoles(*p.Roles)
	}
	if p.Permissions != nil {
		out.Permissions = dedupeStrings(*p.Permissions)
	}
	if out.Roles == nil {
		out.Roles = []Role{}
	}
	if out.Permissions == nil {
		out.Permissions = []string{}
	}
	return out
}

// Credentials is the login form.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// Registration is the sign-up form.
type Registration struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// PasswordReset completes a forgot-password flow.
type PasswordReset struct {
	Token                string `json:"token"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}
