// ABOUTME: Protected page handlers plus the unauthorized and help pages
// ABOUTME: Help topics are markdown rendered with goldmark

package webconsole

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/2389/widget-console/internal/transport"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	r, _ = s.ensureCSRFToken(w, r)
	s.render(w, http.StatusOK, "dashboard.html", s.newPage(r, "Dashboard"))
}

func (s *Server) sectionHandler(sec section) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r, _ = s.ensureCSRFToken(w, r)
		data := s.newPage(r, sec.Title)
		data.Section = &sec
		s.render(w, http.StatusOK, "section.html", data)
	}
}

// handleUsers lists the backend's users. The backend has the final say on
// access; a 403 here is shown inline and also raises a permission notice.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	r, _ = s.ensureCSRFToken(w, r)

	users, err := s.console.API().ListUsers(r.Context())
	status := http.StatusOK
	var errMsg string
	switch {
	case err == nil:
	case transport.IsForbidden(err):
		status, errMsg = http.StatusForbidden, "The backend denied access to the user list."
	case transport.IsUnauthenticated(err):
		http.Redirect(w, r, "/login?next=%2Fadmin%2Fusers", http.StatusSeeOther)
		return
	default:
		s.logger.Warn("listing users", "error", err)
		status, errMsg = http.StatusBadGateway, msgUnreachable
	}

	data := s.newPage(r, usersSection.Title)
	data.Section = &usersSection
	data.Error = errMsg
	data.Content = users
	s.render(w, status, "users.html", data)
}

func (s *Server) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	r, _ = s.ensureCSRFToken(w, r)
	data := s.newPage(r, "Not allowed")
	data.Next = safeNext(r.URL.Query().Get("from"))
	s.render(w, http.StatusForbidden, "unauthorized.html", data)
}

type helpTopic struct {
	Slug   string
	Title  string
	Active bool
}

type helpContent struct {
	Topics []helpTopic
	HTML   template.HTML
}

var topicSlug = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var topicOrder = []string{"getting-started", "sessions", "permissions"}

func (s *Server) helpTopics(selected string) []helpTopic {
	entries, err := fs.ReadDir(s.help, ".")
	if err != nil {
		s.logger.Error("reading help topics", "error", err)
		return nil
	}
	var topics []helpTopic
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		slug := strings.TrimSuffix(e.Name(), ".md")
		topics = append(topics, helpTopic{Slug: slug, Title: formatHelpTitle(slug), Active: slug == selected})
	}
	slices.SortFunc(topics, func(a, b helpTopic) int {
		ia, ib := rank(a.Slug), rank(b.Slug)
		if ia != ib {
			return ia - ib
		}
		return strings.Compare(a.Slug, b.Slug)
	})
	return topics
}

func rank(slug string) int {
	if i := slices.Index(topicOrder, slug); i >= 0 {
		return i
	}
	return len(topicOrder)
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	r, _ = s.ensureCSRFToken(w, r)
	topic := chi.URLParam(r, "topic")

	status := http.StatusOK
	var md []byte
	var err error
	if topicSlug.MatchString(topic) {
		md, err = fs.ReadFile(s.help, topic+".md")
	} else {
		err = fs.ErrNotExist
	}
	if err != nil {
		status = http.StatusNotFound
		md = []byte("# Not Found\n\nThis help topic could not be found.")
	}

	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		s.logger.Error("failed to convert markdown", "topic", topic, "error", err)
		buf.Reset()
		buf.WriteString("<p>Failed to render help content.</p>")
	}

	data := s.newPage(r, "Help")
	data.Content = helpContent{
		Topics: s.helpTopics(topic),
		// goldmark escapes raw HTML by default
		HTML: template.HTML(buf.String()),
	}
	s.render(w, status, "help.html", data)
}

// formatHelpTitle converts a slug to a display title
func formatHelpTitle(slug string) string {
	words := strings.Split(slug, "-")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}
