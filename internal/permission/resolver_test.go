// ABOUTME: Tests for permission and role resolution
// ABOUTME: Covers alias OR-semantics, separator normalization, and shape tolerance

package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/widget-console/internal/identity"
)

func userWith(perms ...string) *identity.User {
	return &identity.User{ID: "1", Permissions: perms, Roles: []identity.Role{}}
}

func TestHasPermission_Literal(t *testing.T) {
	r := NewResolver(nil)
	assert.True(t, r.HasPermission(userWith("view_users"), "view_users"))
	assert.False(t, r.HasPermission(userWith("view_users"), "delete_users"))
}

func TestHasPermission_AliasAnyOf(t *testing.T) {
	r := NewResolver(Aliases{
		"access admin panel": {"view_users", "manage_users", "view_roles"},
	})

	assert.True(t, r.HasPermission(userWith("view_roles"), "access admin panel"))
	assert.True(t, r.HasPermission(userWith("manage_users"), "access admin panel"))
	assert.False(t, r.HasPermission(userWith("edit_widgets"), "access admin panel"))
}

func TestHasPermission_AliasLiteralCompositeHeld(t *testing.T) {
	r := NewResolver(Aliases{"access admin panel": {"view_users"}})
	assert.True(t, r.HasPermission(userWith("access admin panel"), "access admin panel"))
}

func TestHasPermission_AliasReachedThroughNormalizedKey(t *testing.T) {
	r := NewResolver(Aliases{"access admin panel": {"view_roles"}})
	assert.True(t, r.HasPermission(userWith("view_roles"), "access_admin_panel"))
}

func TestHasPermission_SeparatorNormalization(t *testing.T) {
	r := NewResolver(Aliases{})

	assert.True(t, r.HasPermission(userWith("manage_users"), "manage users"))
	assert.True(t, r.HasPermission(userWith("manage users"), "manage_users"))
	assert.True(t, r.HasPermission(userWith("manage_users"), "manage-users"))
	assert.False(t, r.HasPermission(userWith("manage_users"), "manageusers"))
}

func TestHasPermission_ListIsAnyOf(t *testing.T) {
	r := NewResolver(nil)
	u := userWith("edit_widgets")

	assert.True(t, r.HasPermission(u, "delete_users", "edit_widgets"))
	assert.False(t, r.HasPermission(u, "delete_users", "view_roles"))
}

func TestHasPermission_AbsenceIsFalse(t *testing.T) {
	r := NewResolver(nil)

	assert.False(t, r.HasPermission(nil, "view_users"))
	assert.False(t, r.HasPermission(&identity.User{ID: "1"}, "view_users"))
	assert.False(t, r.HasPermission(userWith(), "view_users"))
	assert.False(t, r.HasPermission(userWith("view_users")))
	assert.False(t, r.HasPermission(userWith("view_users"), "", "  "))
}

func TestHasPermission_MissingPermissionsPayload(t *testing.T) {
	var u identity.User
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","name":"No Perms"}`), &u))

	assert.NotPanics(t, func() {
		assert.False(t, HasPermission(&u, "access admin panel"))
	})
}

func TestHasRole_ShapeTolerance(t *testing.T) {
	payloads := map[string]string{
		"strings": `{"id":"1","roles":["admin"]}`,
		"objects": `{"id":"1","roles":[{"id":"1","name":"admin"}]}`,
		"keyed":   `{"id":"1","roles":{"admin":true}}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			var u identity.User
			require.NoError(t, json.Unmarshal([]byte(payload), &u))
			assert.True(t, HasRole(&u, "admin"))
			assert.True(t, HasRole(&u, "Admin"))
			assert.False(t, HasRole(&u, "editor"))
		})
	}
}

func TestHasRole_AnyOfAndAbsence(t *testing.T) {
	u := &identity.User{ID: "1", Roles: []identity.Role{{Name: "editor"}}}

	assert.True(t, HasRole(u, "admin", "editor"))
	assert.False(t, HasRole(u, "admin", "owner"))
	assert.False(t, HasRole(u))
	assert.False(t, HasRole(nil, "admin"))
	assert.False(t, HasRole(&identity.User{ID: "1"}, "admin"))
}

func TestAliases_MergeReplacesAndAdds(t *testing.T) {
	base := Aliases{"a": {"x"}, "b": {"y"}}
	merged := base.Merge(Aliases{"b": {"z"}, "c": {"w"}})

	assert.Equal(t, []string{"x"}, merged["a"])
	assert.Equal(t, []string{"z"}, merged["b"])
	assert.Equal(t, []string{"w"}, merged["c"])
	assert.Equal(t, []string{"y"}, base["b"], "base must not be mutated")
}

func TestDefaultAliases_IsCopy(t *testing.T) {
	a := DefaultAliases()
	a["access admin panel"][0] = "mutated"
	assert.Equal(t, "view_users", DefaultAliases()["access admin panel"][0])
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{"view_users", "view users"}, variants("view_users"))
	assert.Equal(t, []string{"view users", "view_users"}, variants("view users"))
	assert.Equal(t, []string{"plain"}, variants("plain"))
	assert.Equal(t, []string{"a-b", "a_b", "a b"}, variants("a-b"))
}
