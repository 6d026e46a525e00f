// ABOUTME: Template loading, page data and section definitions for the web console
// ABOUTME: Parses every page once against the shared base layout

package webconsole

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/2389/widget-console/internal/guard"
	"github.com/2389/widget-console/internal/identity"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/sessionclock"
)

var pageNames = []string{
	"login.html",
	"register.html",
	"forgot_password.html",
	"reset_password.html",
	"unauthorized.html",
	"dashboard.html",
	"section.html",
	"users.html",
	"help.html",
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"levelClass": func(l notify.Level) string {
		return "flash-" + string(l)
	},
}

func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New("base.html").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/base.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

// section is a protected area of the console.
type section struct {
	Path        string
	Title       string
	Description string
	Requirement guard.Requirement
}

var usersSection = section{
	Path:        "/admin/users",
	Title:       "Users",
	Description: "Console operators and their roles.",
	Requirement: guard.Requirement{Permissions: []string{"view_users", "manage users"}},
}

var sections = []section{
	usersSection,
	{Path: "/admin/roles", Title: "Roles", Description: "Roles and the permissions they grant.",
		Requirement: guard.Requirement{Permissions: []string{"view_roles", "manage roles"}}},
	{Path: "/settings/models", Title: "AI Models", Description: "Model providers used by the chat widget.",
		Requirement: guard.Requirement{Permissions: []string{"manage ai models"}}},
	{Path: "/settings/prompts", Title: "Prompts", Description: "Prompt templates.",
		Requirement: guard.Requirement{Permissions: []string{"manage prompts"}}},
	{Path: "/settings/branding", Title: "Branding", Description: "Widget colors, logo and copy.",
		Requirement: guard.Requirement{Permissions: []string{"manage branding"}}},
	{Path: "/settings/knowledge", Title: "Knowledge Base", Description: "Documents the assistant can cite.",
		Requirement: guard.Requirement{Permissions: []string{"manage knowledge base"}}},
	{Path: "/settings/widget", Title: "Widget", Description: "Embed code and widget behaviour.",
		Requirement: guard.Requirement{Permissions: []string{"manage widgets"}}},
	{Path: "/chats", Title: "Chats", Description: "Conversations between visitors and the assistant.",
		Requirement: guard.Requirement{Permissions: []string{"view chat sessions"}}},
}

type navItem struct {
	Path   string
	Title  string
	Active bool
}

// pageData is shared by every template.
type pageData struct {
	Title     string
	User      *identity.User
	CSRFToken string
	Flashes   []notify.Notification
	Session   sessionclock.State
	Nav       []navItem

	Error  string
	Fields map[string]string
	Form   map[string]string
	Next   string

	Section *section
	Content any
}

// visibleNav lists the sections the current user may open.
func (s *Server) visibleNav(current string) []navItem {
	if !s.manager.IsAuthenticated() {
		return nil
	}
	items := []navItem{{Path: "/", Title: "Dashboard", Active: current == "/"}}
	for _, sec := range sections {
		if s.allowed(sec.Requirement) {
			items = append(items, navItem{Path: sec.Path, Title: sec.Title, Active: current == sec.Path})
		}
	}
	return items
}

func (s *Server) allowed(req guard.Requirement) bool {
	if len(req.Roles) > 0 && !s.manager.HasRole(req.Roles...) {
		return false
	}
	if len(req.Permissions) > 0 && !s.manager.HasPermission(req.Permissions...) {
		return false
	}
	return true
}

// newPage fills the fields every page needs.
func (s *Server) newPage(r *http.Request, title string) pageData {
	return pageData{
		Title:     title,
		User:      s.manager.User(),
		CSRFToken: getCSRFToken(r),
		Flashes:   s.drainFlashes(),
		Session:   s.clock.State(),
		Nav:       s.visibleNav(r.URL.Path),
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("unknown template", "template", name)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", "template", name, "error", err)
	}
}
