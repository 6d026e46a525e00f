// ABOUTME: Tolerant JSON decoding of backend user payloads into the canonical User
// ABOUTME: Accepts string/number IDs and string, object, or map role/permission shapes

package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// UnmarshalJSON decodes any user shape the backend is known to send. Only a
// payload that is not a JSON object is an error; unknown role or permission
// shapes decode as empty.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Name        json.RawMessage `json:"name"`
		Email       json.RawMessage `json:"email"`
		Roles       json.RawMessage `json:"roles"`
		Permissions json.RawMessage `json:"permissions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding user: %w", err)
	}

	*u = User{
		ID:          scalarString(decodeAny(raw.ID)),
		Name:        scalarString(decodeAny(raw.Name)),
		Email:       scalarString(decodeAny(raw.Email)),
		Roles:       rolesFromAny(decodeAny(raw.Roles)),
		Permissions: permissionsFromAny(decodeAny(raw.Permissions)),
	}
	return nil
}

// decodeAny decodes raw with numbers preserved. Empty or invalid input yields nil.
func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// truthy mirrors how the console treats values in a {role: value} map.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func rolesFromAny(v any) []Role {
	var roles []Role
	switch t := v.(type) {
	case string:
		if name := strings.TrimSpace(t); name != "" {
			roles = append(roles, Role{Name: name})
		}
	case []any:
		for _, elem := range t {
			switch e := elem.(type) {
			case string:
				if name := strings.TrimSpace(e); name != "" {
					roles = append(roles, Role{Name: name})
				}
			case map[string]any:
				name := scalarString(e["name"])
				if name == "" {
					name = scalarString(e["slug"])
				}
				if name == "" {
					continue
				}
				role := Role{ID: scalarString(e["id"]), Name: name}
				if perms, ok := e["permissions"]; ok {
					role.Permissions = permissionsFromAny(perms)
				}
				roles = append(roles, role)
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if name := strings.TrimSpace(k); name != "" && truthy(t[k]) {
				roles = append(roles, Role{Name: name})
			}
		}
	}
	return dedupeRoles(roles)
}

func permissionsFromAny(v any) []string {
	var perms []string
	switch t := v.(type) {
	case string:
		perms = append(perms, t)
	case []any:
		for _, elem := range t {
			switch e := elem.(type) {
			case string:
				perms = append(perms, e)
			case map[string]any:
				perms = append(perms, scalarString(e["name"]))
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if truthy(t[k]) {
				perms = append(perms, k)
			}
		}
	}
	return dedupeStrings(perms)
}

// dedupeStrings trims, drops empties and duplicates, and never returns nil.
func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// dedupeRoles keeps the first role per case-insensitive name and never returns nil.
func dedupeRoles(in []Role) []Role {
	out := make([]Role, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			continue
		}
		key := strings.ToLower(r.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if r.Permissions != nil {
			r.Permissions = dedupeStrings(r.Permissions)
		}
		out = append(out, r)
	}
	return out
}
