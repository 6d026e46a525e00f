// ABOUTME: Error taxonomy for backend calls: status errors and transport failures
// ABOUTME: Parses Laravel-style {message, errors} bodies into per-field messages

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

// StatusCSRFMismatch is the non-standard status Laravel uses for expired
// CSRF tokens and sessions.
const StatusCSRFMismatch = 419

const maxPlainMessage = 200

// ErrTransport wraps failures where no HTTP response was received.
var ErrTransport = errors.New("transport failure")

// StatusError is a non-2xx backend response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Fields  map[string][]string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// FieldError returns the first message for field, if any.
func (e *StatusError) FieldError(field string) string {
	if msgs := e.Fields[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// FieldNames returns the fields with errors, sorted.
func (e *StatusError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsUnauthenticated reports a 401 or 419.
func IsUnauthenticated(err error) bool {
	s := StatusOf(err)
	return s == http.StatusUnauthorized || s == StatusCSRFMismatch
}

// IsCSRFMismatch reports a 419.
func IsCSRFMismatch(err error) bool {
	return StatusOf(err) == StatusCSRFMismatch
}

// IsForbidden reports a 403.
func IsForbidden(err error) bool {
	return StatusOf(err) == http.StatusForbidden
}

// IsValidation reports a 422.
func IsValidation(err error) bool {
	return StatusOf(err) == http.StatusUnprocessableEntity
}

// IsNotFound reports a 404 or 405, used to detect optional endpoints.
func IsNotFound(err error) bool {
	s := StatusOf(err)
	return s == http.StatusNotFound || s == http.StatusMethodNotAllowed
}

// IsTransport reports a network-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// parseErrorBody extracts message and field errors. Unknown shapes yield an
// empty message and no fields.
func parseErrorBody(body []byte) (string, map[string][]string) {
	var payload struct {
		Message string                     `json:"message"`
		Error   string                     `json:"error"`
		Errors  map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxPlainMessage {
			msg = msg[:maxPlainMessage]
			for !utf8.ValidString(msg) {
				msg = msg[:len(msg)-1]
			}
		}
		return msg, nil
	}

	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}

	var fields map[string][]string
	for field, raw := range payload.Errors {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			var single string
			if err := json.Unmarshal(raw, &single); err != nil {
				continue
			}
			list = []string{single}
		}
		if len(list) == 0 {
			continue
		}
		if fields == nil {
			fields = make(map[string][]string)
		}
		fields[field] = list
	}
	return msg, fields
}
