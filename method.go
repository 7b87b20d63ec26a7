package redmine

import (
	"fmt"
	"net/http"
	"strings"
)

// Method is the closed set of HTTP verbs the backend accepts.
// The zero value is not a valid method.
type Method int

const (
	// MethodGet reads a resource or a collection.
	MethodGet Method = iota + 1

	// MethodPost creates a resource.
	MethodPost

	// MethodPut updates a resource.
	MethodPut

	// MethodDelete removes a resource.
	MethodDelete
)

// ParseMethod converts a verb string (case-insensitive) into a Method.
// Anything outside GET/POST/PUT/DELETE is a ConfigurationError.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case http.MethodGet:
		return MethodGet, nil
	case http.MethodPost:
		return MethodPost, nil
	case http.MethodPut:
		return MethodPut, nil
	case http.MethodDelete:
		return MethodDelete, nil
	default:
		return 0, &ConfigurationError{Reason: fmt.Sprintf("unsupported HTTP method %q", s)}
	}
}

// String returns the wire form of the method.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return http.MethodGet
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	default:
		return false
	}
}
