// ABOUTME: Tests for tolerant user payload decoding
// ABOUTME: Covers ID, role, and permission shape permutations sent by the backend

package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeUser(t *testing.T, payload string) *User {
	t.Helper()
	var u User
	require.NoError(t, json.Unmarshal([]byte(payload), &u))
	return &u
}

func TestUnmarshal_RoleShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "string array", payload: `{"id":"1","roles":["admin"]}`},
		{name: "object array", payload: `{"id":"1","roles":[{"id":"1","name":"admin"}]}`},
		{name: "keyed object", payload: `{"id":"1","roles":{"admin":true}}`},
		{name: "single string", payload: `{"id":"1","roles":"admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := decodeUser(t, tt.payload)
			assert.Equal(t, []string{"admin"}, u.RoleNames())
		})
	}
}

func TestUnmarshal_KeyedRolesSkipFalsyValues(t *testing.T) {
	u := decodeUser(t, `{"id":"1","roles":{"admin":true,"editor":false,"viewer":1,"guest":0,"owner":null}}`)
	assert.Equal(t, []string{"admin", "viewer"}, u.RoleNames())
}

func TestUnmarshal_RoleObjectKeepsIDAndPermissions(t *testing.T) {
	u := decodeUser(t, `{"id":7,"roles":[{"id":3,"name":"editor","permissions":["edit_prompts",{"name":"view_users"}]}]}`)
	require.Len(t, u.Roles, 1)
	assert.Equal(t, "3", u.Roles[0].ID)
	assert.Equal(t, "editor", u.Roles[0].Name)
	assert.Equal(t, []string{"edit_prompts", "view_users"}, u.Roles[0].Permissions)
}

func TestUnmarshal_NumericID(t *testing.T) {
	u := decodeUser(t, `{"id":42,"name":"Ada","email":"ada@example.com"}`)
	assert.Equal(t, "42", u.ID)
	assert.Equal(t, "Ada", u.Name)
	assert.True(t, u.Valid())
}

func TestUnmarshal_MissingPermissionsNormalizesToEmpty(t *testing.T) {
	u := decodeUser(t, `{"id":"1","name":"Ada"}`)
	assert.NotNil(t, u.Permissions)
	assert.Empty(t, u.Permissions)
	assert.NotNil(t, u.Roles)
	assert.Empty(t, u.Roles)
}

func TestUnmarshal_NullAndGarbageShapes(t *testing.T) {
	u := decodeUser(t, `{"id":"1","roles":42,"permissions":null}`)
	assert.Empty(t, u.Roles)
	assert.Empty(t, u.Permissions)
}

func TestUnmarshal_PermissionsDeduplicated(t *testing.T) {
	u := decodeUser(t, `{"id":"1","permissions":["view_users"," view_users ","",{"name":"manage_users"}]}`)
	assert.Equal(t, []string{"view_users", "manage_users"}, u.Permissions)
}

func TestUnmarshal_RolesDeduplicatedCaseInsensitively(t *testing.T) {
	u := decodeUser(t, `{"id":"1","roles":["Admin","admin",{"name":"ADMIN"}]}`)
	assert.Equal(t, []string{"Admin"}, u.RoleNames())
}

func TestUnmarshal_NotAnObject(t *testing.T) {
	var u User
	err := json.Unmarshal([]byte(`["not","a","user"]`), &u)
	assert.Error(t, err)
}

func TestUnmarshal_RoundTripsCanonicalShape(t *testing.T) {
	in := decodeUser(t, `{"id":"1","name":"Ada","roles":{"admin":true},"permissions":["view_users"]}`)
	data, err := json.Marshal(in)
	require.NoError(t, err)

	out := decodeUser(t, string(data))
	assert.Equal(t, in, out)
}
