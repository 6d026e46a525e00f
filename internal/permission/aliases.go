// ABOUTME: Alias table mapping composite console permissions to backend permissions
// ABOUTME: Provides the default table and merging of configured overrides

package permission

import "maps"

// Aliases maps a human-readable composite permission to the concrete backend
// permissions that satisfy it.
type Aliases map[string][]string

var defaultAliases = Aliases{
	"access admin panel":    {"view_users", "manage_users", "view_roles", "manage_roles"},
	"manage users":          {"manage_users", "create_users", "edit_users", "delete_users"},
	"manage roles":          {"manage_roles", "create_roles", "edit_roles", "delete_roles"},
	"manage settings":       {"manage_settings", "edit_settings"},
	"manage ai models":      {"manage_ai_models", "manage_model_providers"},
	"manage prompts":        {"manage_prompt_templates", "edit_prompt_templates"},
	"manage branding":       {"manage_branding", "edit_branding"},
	"manage knowledge base": {"manage_knowledge_base", "edit_knowledge_base"},
	"manage widgets":        {"manage_widgets", "edit_widgets"},
	"view chat sessions":    {"view_chat_sessions", "manage_chat_sessions"},
}

// DefaultAliases returns a copy of the built-in alias table.
func DefaultAliases() Aliases {
	return defaultAliases.Merge(nil)
}

// Merge returns a new table with extra layered over a. Entries in extra
// replace entries of the same name.
func (a Aliases) Merge(extra Aliases) Aliases {
	out := make(Aliases, len(a)+len(extra))
	for k, v := range a {
		out[k] = append([]string(nil), v...)
	}
	maps.Copy(out, extra)
	return out
}
